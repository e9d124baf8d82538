package store

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names shared by every record kind.
const (
	AttrPartitionKey      = "partitionKey"
	AttrSortKey           = "sortKey"
	AttrSchemaVersion     = "schemaVersion"
	AttrGSIK1PartitionKey = "gsiK1PartitionKey"
	AttrGSIK1SortKey      = "gsiK1SortKey"
	AttrGSIK2PartitionKey = "gsiK2PartitionKey"
	AttrGSIK2SortKey      = "gsiK2SortKey"
)

// Key is a primary key in the table.
type Key struct {
	PartitionKey string
	SortKey      string
}

// Attributes returns the key in DynamoDB form.
func (k Key) Attributes() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPartitionKey: &types.AttributeValueMemberS{Value: k.PartitionKey},
		AttrSortKey:      &types.AttributeValueMemberS{Value: k.SortKey},
	}
}

// KeyOf extracts the primary key from an item.
func KeyOf(item map[string]types.AttributeValue) Key {
	return Key{
		PartitionKey: StringAttr(item, AttrPartitionKey),
		SortKey:      StringAttr(item, AttrSortKey),
	}
}

// Consistency selects the read consistency of a get.
type Consistency int

const (
	// Eventual reads may miss writes from the last second or so.
	Eventual Consistency = iota

	// Strong reads observe every write acknowledged before the read began.
	// Use it when a caller must see its own prior write.
	Strong
)

func (c Consistency) consistentRead() *bool {
	return aws.Bool(c == Strong)
}

// Condition is a DynamoDB condition expression with its placeholders.
// The zero Condition means "unconditional".
type Condition struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// NotExists holds when no item with the key exists.
func NotExists() Condition {
	return Condition{
		Expression: "attribute_not_exists(#pk)",
		Names:      map[string]string{"#pk": AttrPartitionKey},
	}
}

// Exists holds when an item with the key exists.
func Exists() Condition {
	return Condition{
		Expression: "attribute_exists(#pk)",
		Names:      map[string]string{"#pk": AttrPartitionKey},
	}
}

// StringEquals holds when attr is stored with exactly value.
func StringEquals(attr, value string) Condition {
	return Condition{
		Expression: "#" + attr + " = :" + attr,
		Names:      map[string]string{"#" + attr: attr},
		Values: map[string]types.AttributeValue{
			":" + attr: &types.AttributeValueMemberS{Value: value},
		},
	}
}

// AtLeast holds when the numeric attr is >= n. A missing attr fails.
func AtLeast(attr string, n int64) Condition {
	return Condition{
		Expression: "#" + attr + " >= :" + attr + "_min",
		Names:      map[string]string{"#" + attr: attr},
		Values: map[string]types.AttributeValue{
			":" + attr + "_min": &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)},
		},
	}
}

// Or combines two conditions. Placeholders must not collide.
func Or(a, b Condition) Condition {
	return Condition{
		Expression: a.Expression + " OR " + b.Expression,
		Names:      mergeExprNames(a.Names, b.Names),
		Values:     mergeExprValues(a.Values, b.Values),
	}
}

func (c Condition) expression() *string {
	if c.Expression == "" {
		return nil
	}
	return aws.String(c.Expression)
}

// Update is a DynamoDB update expression with its placeholders.
type Update struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// SetString assigns value to attr.
func SetString(attr, value string) Update {
	return Update{
		Expression: "SET #" + attr + " = :" + attr,
		Names:      map[string]string{"#" + attr: attr},
		Values: map[string]types.AttributeValue{
			":" + attr: &types.AttributeValueMemberS{Value: value},
		},
	}
}

// AddNumber adds delta to the numeric attr, treating a missing attr as zero.
func AddNumber(attr string, delta int64) Update {
	return Update{
		Expression: "ADD #" + attr + " :" + attr + "_delta",
		Names:      map[string]string{"#" + attr: attr},
		Values: map[string]types.AttributeValue{
			":" + attr + "_delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
	}
}

// SubtractNumber subtracts delta from the numeric attr. The attr must exist;
// pair it with AtLeast(attr, delta) to floor the value at zero.
func SubtractNumber(attr string, delta int64) Update {
	return Update{
		Expression: "SET #" + attr + " = #" + attr + " - :" + attr + "_delta",
		Names:      map[string]string{"#" + attr: attr},
		Values: map[string]types.AttributeValue{
			":" + attr + "_delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
	}
}

// StringAttr returns item[attr] when it is a string, or "".
func StringAttr(item map[string]types.AttributeValue, attr string) string {
	if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// NumberAttr returns item[attr] when it is a number, or 0.
func NumberAttr(item map[string]types.AttributeValue, attr string) int64 {
	if v, ok := item[attr].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

// mergeExprNames merges expression attribute name maps, returning nil when
// the result is empty (DynamoDB rejects empty maps).
func mergeExprNames(maps ...map[string]string) map[string]string {
	var result map[string]string
	for _, m := range maps {
		for k, v := range m {
			if result == nil {
				result = make(map[string]string)
			}
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges expression attribute value maps, returning nil when
// the result is empty.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	var result map[string]types.AttributeValue
	for _, m := range maps {
		for k, v := range m {
			if result == nil {
				result = make(map[string]types.AttributeValue)
			}
			result[k] = v
		}
	}
	return result
}
