package model

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// timestampLayout is the ISO-8601 profile the document stores every
// timestamp field in.
const timestampLayout = time.RFC3339Nano

func encoderOptions(o *attributevalue.EncoderOptions) {
	o.EncodeTime = func(t time.Time) (types.AttributeValue, error) {
		return &types.AttributeValueMemberS{Value: t.UTC().Format(timestampLayout)}, nil
	}
}

func decoderOptions(o *attributevalue.DecoderOptions) {
	o.DecodeTime = attributevalue.DecodeTimeAttributes{
		S: func(s string) (time.Time, error) {
			return time.Parse(timestampLayout, s)
		},
	}
}

// MarshalDocument renders a Document as DynamoDB attribute values, ready
// to be used directly as a PutItem Item.
func MarshalDocument(doc Document) (map[string]types.AttributeValue, error) {
	encoder := attributevalue.NewEncoder(encoderOptions)
	av, err := encoder.Encode(doc)
	if err != nil {
		return nil, err
	}
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return map[string]types.AttributeValue{}, nil
	}
	return m.Value, nil
}

// UnmarshalDocument parses a DynamoDB item back into a Document.
func UnmarshalDocument(item map[string]types.AttributeValue) (Document, error) {
	var doc Document
	decoder := attributevalue.NewDecoder(decoderOptions)
	if err := decoder.Decode(&types.AttributeValueMemberM{Value: item}, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// MarshalValue renders any single field/entry (a ConsumerEntry,
// EnhancedEntry, ShardEntry, or scalar) as a DynamoDB attribute value, for
// use as an ExpressionAttributeValues entry.
func MarshalValue(v interface{}) (types.AttributeValue, error) {
	encoder := attributevalue.NewEncoder(encoderOptions)
	return encoder.Encode(v)
}

// UnmarshalShardEntry parses a single ShardEntry attribute value.
func UnmarshalShardEntry(av types.AttributeValue) (ShardEntry, error) {
	var s ShardEntry
	decoder := attributevalue.NewDecoder(decoderOptions)
	if err := decoder.Decode(av, &s); err != nil {
		return ShardEntry{}, err
	}
	return s, nil
}

// UnmarshalEnhancedEntry parses a single EnhancedEntry attribute value.
func UnmarshalEnhancedEntry(av types.AttributeValue) (EnhancedEntry, error) {
	var e EnhancedEntry
	decoder := attributevalue.NewDecoder(decoderOptions)
	if err := decoder.Decode(av, &e); err != nil {
		return EnhancedEntry{}, err
	}
	return e, nil
}
