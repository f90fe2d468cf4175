package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
)

type settingRecord struct {
	Key   string      `dynamodbav:"key"`
	Value interface{} `dynamodbav:"value"`
}

// Settings loads the full cluster settings table into a flat string map.
// List values (network subnets) are joined with commas; numeric values are
// rendered in decimal.
func (c *Client) Settings(ctx context.Context) (map[string]string, error) {
	items, err := c.scanAll(ctx, c.TableName(settingsTable))
	if err != nil {
		return nil, err
	}

	settings := make(map[string]string, len(items))
	for _, item := range items {
		var record settingRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, fmt.Errorf("decode setting record: %w", err)
		}
		settings[record.Key] = settingString(record.Value)
	}
	return settings, nil
}

func settingString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, settingString(item))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
