// Package ddbtest provides an in-memory DynamoDB table for tests.
//
// Table implements the operations store.API needs and evaluates the subset of
// the expression language this module emits: attribute_exists,
// attribute_not_exists, begins_with, comparisons, AND/OR (without
// parentheses), and SET/ADD/REMOVE update clauses with +/- arithmetic.
// Anything else returns an error so unsupported expressions are caught early.
package ddbtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index describes a global secondary index.
type Index struct {
	Name          string
	PartitionAttr string
	SortAttr      string
}

type itemKey struct {
	pk, sk string
}

// Table is an in-memory, single-table DynamoDB double. It is safe for
// concurrent use; every operation is atomic with respect to the others.
type Table struct {
	mu      sync.Mutex
	pkAttr  string
	skAttr  string
	indexes map[string]Index
	items   map[itemKey]map[string]types.AttributeValue
	inputs  []any
}

// New creates an empty table keyed by (pkAttr, skAttr).
func New(pkAttr, skAttr string, indexes ...Index) *Table {
	t := &Table{
		pkAttr:  pkAttr,
		skAttr:  skAttr,
		indexes: make(map[string]Index),
		items:   make(map[itemKey]map[string]types.AttributeValue),
	}
	for _, idx := range indexes {
		t.indexes[idx.Name] = idx
	}
	return t
}

// Seed writes item unconditionally, bypassing the API.
func (t *Table) Seed(item map[string]types.AttributeValue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[t.keyOf(item)] = copyItem(item)
}

// Item returns a copy of the stored item, or nil.
func (t *Table) Item(pk, sk string) map[string]types.AttributeValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[itemKey{pk, sk}]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Len returns the number of stored items.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Inputs returns every request received so far, in order.
func (t *Table) Inputs() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.inputs...)
}

// GetItem implements store.API.
func (t *Table) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	k, err := t.keyFrom(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// PutItem implements store.API.
func (t *Table) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	k := t.keyOf(params.Item)
	ok, err := evalCondition(aws.ToString(params.ConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[k] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements store.API.
func (t *Table) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	k, err := t.keyFrom(params.Key)
	if err != nil {
		return nil, err
	}
	updated, err := t.update(k, aws.ToString(params.ConditionExpression), aws.ToString(params.UpdateExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[k] = updated
	return &dynamodb.UpdateItemOutput{}, nil
}

// DeleteItem implements store.API.
func (t *Table) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	k, err := t.keyFrom(params.Key)
	if err != nil {
		return nil, err
	}
	old, exists := t.items[k]
	ok, err := evalCondition(aws.ToString(params.ConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	delete(t.items, k)

	out := &dynamodb.DeleteItemOutput{}
	if exists && params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// TransactWriteItems implements store.API. All conditions are evaluated
// before anything is applied.
func (t *Table) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	apply := make([]func(), 0, len(params.TransactItems))
	seen := make(map[itemKey]bool)

	for i, ti := range params.TransactItems {
		var (
			k      itemKey
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
			err    error
		)
		switch {
		case ti.Put != nil:
			k = t.keyOf(ti.Put.Item)
			cond, names, values = ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
			item := copyItem(ti.Put.Item)
			apply = append(apply, func() { t.items[k] = item })
		case ti.Delete != nil:
			k, err = t.keyFrom(ti.Delete.Key)
			cond, names, values = ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
			apply = append(apply, func() { delete(t.items, k) })
		case ti.Update != nil:
			k, err = t.keyFrom(ti.Update.Key)
			if err == nil {
				upd := ti.Update
				var updated map[string]types.AttributeValue
				updated, err = t.update(k, "", aws.ToString(upd.UpdateExpression), upd.ExpressionAttributeNames, upd.ExpressionAttributeValues)
				cond, names, values = upd.ConditionExpression, upd.ExpressionAttributeNames, upd.ExpressionAttributeValues
				apply = append(apply, func() { t.items[k] = updated })
			}
		case ti.ConditionCheck != nil:
			k, err = t.keyFrom(ti.ConditionCheck.Key)
			cond, names, values = ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			err = errors.New("ddbtest: empty transact item")
		}
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, fmt.Errorf("ddbtest: transaction touches %v more than once", k)
		}
		seen[k] = true

		ok, err := evalCondition(aws.ToString(cond), names, values, t.items[k])
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		} else {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, fn := range apply {
		fn()
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// BatchGetItem implements store.API. Every key is processed.
func (t *Table) BatchGetItem(_ context.Context, params *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	out := &dynamodb.BatchGetItemOutput{Responses: make(map[string][]map[string]types.AttributeValue)}
	for table, ka := range params.RequestItems {
		if len(ka.Keys) > 100 {
			return nil, errors.New("ddbtest: too many keys in BatchGetItem")
		}
		seen := make(map[itemKey]bool)
		for _, key := range ka.Keys {
			k, err := t.keyFrom(key)
			if err != nil {
				return nil, err
			}
			if seen[k] {
				return nil, errors.New("ddbtest: provided list of item keys contains duplicates")
			}
			seen[k] = true
			if item, ok := t.items[k]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(item))
			}
		}
	}
	return out, nil
}

// Query implements store.API for tables and GSIs. Results are ordered by the
// sort attribute, ties broken by table key.
func (t *Table) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputs = append(t.inputs, params)

	pkAttr, skAttr := t.pkAttr, t.skAttr
	if name := aws.ToString(params.IndexName); name != "" {
		idx, ok := t.indexes[name]
		if !ok {
			return nil, fmt.Errorf("ddbtest: unknown index %q", name)
		}
		pkAttr, skAttr = idx.PartitionAttr, idx.SortAttr
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if _, ok := item[pkAttr]; !ok {
			continue
		}
		if _, ok := item[skAttr]; !ok {
			continue
		}
		ok, err := evalCondition(aws.ToString(params.KeyConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, item)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := sortString(matched[i], skAttr), sortString(matched[j], skAttr)
		if a != b {
			return a < b
		}
		ka, kb := t.keyOf(matched[i]), t.keyOf(matched[j])
		if ka.pk != kb.pk {
			return ka.pk < kb.pk
		}
		return ka.sk < kb.sk
	})
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		startKey, err := t.keyFrom(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, item := range matched {
			if t.keyOf(item) == startKey {
				start = i + 1
				break
			}
		}
	}
	matched = matched[start:]

	out := &dynamodb.QueryOutput{}
	if params.Limit != nil && int(*params.Limit) < len(matched) {
		matched = matched[:*params.Limit]
		last := matched[len(matched)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			t.pkAttr: last[t.pkAttr],
			t.skAttr: last[t.skAttr],
			pkAttr:   last[pkAttr],
			skAttr:   last[skAttr],
		}
	}
	for _, item := range matched {
		out.Items = append(out.Items, copyItem(item))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// update computes the item at k after applying updateExpr, checking condExpr
// first. A missing item starts from its key attributes.
func (t *Table) update(k itemKey, condExpr, updateExpr string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	current := t.items[k]
	ok, err := evalCondition(condExpr, names, values, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}

	item := copyItem(current)
	if item == nil {
		item = map[string]types.AttributeValue{
			t.pkAttr: &types.AttributeValueMemberS{Value: k.pk},
			t.skAttr: &types.AttributeValueMemberS{Value: k.sk},
		}
	}
	if err := applyUpdate(updateExpr, names, values, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (t *Table) keyOf(item map[string]types.AttributeValue) itemKey {
	return itemKey{pk: sortString(item, t.pkAttr), sk: sortString(item, t.skAttr)}
}

func (t *Table) keyFrom(key map[string]types.AttributeValue) (itemKey, error) {
	if _, ok := key[t.pkAttr].(*types.AttributeValueMemberS); !ok {
		return itemKey{}, fmt.Errorf("ddbtest: key is missing %s", t.pkAttr)
	}
	if _, ok := key[t.skAttr].(*types.AttributeValueMemberS); !ok {
		return itemKey{}, fmt.Errorf("ddbtest: key is missing %s", t.skAttr)
	}
	return t.keyOf(key), nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func sortString(item map[string]types.AttributeValue, attr string) string {
	switch v := item[attr].(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// evalCondition evaluates expr against item (nil means "no item").
func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	for _, disjunct := range strings.Split(expr, " OR ") {
		all := true
		for _, term := range strings.Split(disjunct, " AND ") {
			ok, err := evalTerm(strings.TrimSpace(term), names, values, item)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

var comparators = []string{" >= ", " <= ", " <> ", " = ", " > ", " < "}

func evalTerm(term string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if inner, ok := call(term, "attribute_not_exists"); ok {
		name, err := resolveName(inner, names)
		if err != nil {
			return false, err
		}
		_, exists := item[name]
		return !exists, nil
	}
	if inner, ok := call(term, "attribute_exists"); ok {
		name, err := resolveName(inner, names)
		if err != nil {
			return false, err
		}
		_, exists := item[name]
		return exists, nil
	}
	if inner, ok := call(term, "begins_with"); ok {
		left, right, found := strings.Cut(inner, ",")
		if !found {
			return false, fmt.Errorf("ddbtest: malformed begins_with %q", term)
		}
		a, err := operand(strings.TrimSpace(left), names, values, item)
		if err != nil {
			return false, err
		}
		b, err := operand(strings.TrimSpace(right), names, values, item)
		if err != nil {
			return false, err
		}
		as, aok := a.(*types.AttributeValueMemberS)
		bs, bok := b.(*types.AttributeValueMemberS)
		return aok && bok && strings.HasPrefix(as.Value, bs.Value), nil
	}

	for _, op := range comparators {
		left, right, found := strings.Cut(term, op)
		if !found {
			continue
		}
		a, err := operand(strings.TrimSpace(left), names, values, item)
		if err != nil {
			return false, err
		}
		b, err := operand(strings.TrimSpace(right), names, values, item)
		if err != nil {
			return false, err
		}
		if a == nil || b == nil {
			return false, nil
		}
		cmp, ok := compare(a, b)
		if !ok {
			return false, nil
		}
		switch strings.TrimSpace(op) {
		case ">=":
			return cmp >= 0, nil
		case "<=":
			return cmp <= 0, nil
		case "<>":
			return cmp != 0, nil
		case "=":
			return cmp == 0, nil
		case ">":
			return cmp > 0, nil
		case "<":
			return cmp < 0, nil
		}
	}
	return false, fmt.Errorf("ddbtest: unsupported condition %q", term)
}

// applyUpdate mutates item according to a single-section update expression.
func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "SET "):
		for _, clause := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
			lhs, rhs, found := strings.Cut(clause, "=")
			if !found {
				return fmt.Errorf("ddbtest: malformed SET clause %q", clause)
			}
			name, err := resolveName(strings.TrimSpace(lhs), names)
			if err != nil {
				return err
			}
			v, err := evalValue(strings.TrimSpace(rhs), names, values, item)
			if err != nil {
				return err
			}
			item[name] = v
		}
	case strings.HasPrefix(expr, "ADD "):
		for _, clause := range strings.Split(strings.TrimPrefix(expr, "ADD "), ",") {
			fields := strings.Fields(clause)
			if len(fields) != 2 {
				return fmt.Errorf("ddbtest: malformed ADD clause %q", clause)
			}
			name, err := resolveName(fields[0], names)
			if err != nil {
				return err
			}
			delta, err := number(values[fields[1]])
			if err != nil {
				return err
			}
			var current int64
			if existing, ok := item[name]; ok {
				if current, err = number(existing); err != nil {
					return err
				}
			}
			item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
		}
	case strings.HasPrefix(expr, "REMOVE "):
		for _, field := range strings.Split(strings.TrimPrefix(expr, "REMOVE "), ",") {
			name, err := resolveName(strings.TrimSpace(field), names)
			if err != nil {
				return err
			}
			delete(item, name)
		}
	default:
		return fmt.Errorf("ddbtest: unsupported update %q", expr)
	}
	return nil
}

func evalValue(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	for _, op := range []string{" - ", " + "} {
		left, right, found := strings.Cut(expr, op)
		if !found {
			continue
		}
		a, err := operand(strings.TrimSpace(left), names, values, item)
		if err != nil {
			return nil, err
		}
		b, err := operand(strings.TrimSpace(right), names, values, item)
		if err != nil {
			return nil, err
		}
		if a == nil || b == nil {
			return nil, errors.New("ddbtest: the provided expression refers to an attribute that does not exist in the item")
		}
		x, err := number(a)
		if err != nil {
			return nil, err
		}
		y, err := number(b)
		if err != nil {
			return nil, err
		}
		if op == " - " {
			return &types.AttributeValueMemberN{Value: strconv.FormatInt(x-y, 10)}, nil
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x+y, 10)}, nil
	}

	v, err := operand(expr, names, values, item)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("ddbtest: no value for %q", expr)
	}
	return v, nil
}

// operand resolves a placeholder or attribute path. Missing attributes
// resolve to nil.
func operand(token string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	if strings.HasPrefix(token, ":") {
		v, ok := values[token]
		if !ok {
			return nil, fmt.Errorf("ddbtest: undefined value placeholder %s", token)
		}
		return v, nil
	}
	name, err := resolveName(token, names)
	if err != nil {
		return nil, err
	}
	return item[name], nil
}

func resolveName(token string, names map[string]string) (string, error) {
	if strings.HasPrefix(token, "#") {
		name, ok := names[token]
		if !ok {
			return "", fmt.Errorf("ddbtest: undefined name placeholder %s", token)
		}
		return name, nil
	}
	return token, nil
}

func call(term, fn string) (string, bool) {
	if !strings.HasPrefix(term, fn+"(") || !strings.HasSuffix(term, ")") {
		return "", false
	}
	return strings.TrimSpace(term[len(fn)+1 : len(term)-1]), true
}

func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		x, err := number(av)
		if err != nil {
			return 0, false
		}
		y, err := number(b)
		if err != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func number(v types.AttributeValue) (int64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("ddbtest: an operand in the update expression has an incorrect data type")
	}
	return strconv.ParseInt(n.Value, 10, 64)
}
