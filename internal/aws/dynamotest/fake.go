// Package dynamotest provides an in-memory stand-in for the DynamoDB client
// used by the store tests. It understands the small expression dialect the
// stores emit: AND-joined comparisons, attribute_exists and
// attribute_not_exists conditions, SET/REMOVE updates and GSI queries.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type index struct {
	pk, sk string
}

type table struct {
	pk      string
	indexes map[string]index
	items   map[string]map[string]types.AttributeValue
}

// Fake implements aws.DynamoDBAPI.
type Fake struct {
	mu       sync.Mutex
	tables   map[string]*table
	calls    map[string]int
	failures map[string]error
}

// New returns an empty fake with no tables.
func New() *Fake {
	return &Fake{
		tables:   map[string]*table{},
		calls:    map[string]int{},
		failures: map[string]error{},
	}
}

// CreateTable registers a table keyed by a single partition attribute.
func (f *Fake) CreateTable(name, pk string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{pk: pk, indexes: map[string]index{}, items: map[string]map[string]types.AttributeValue{}}
	return f
}

// CreateIndex registers a global secondary index on an existing table.
func (f *Fake) CreateIndex(tableName, indexName, pk, sk string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableName].indexes[indexName] = index{pk: pk, sk: sk}
	return f
}

// FailNext makes the next call of op ("PutItem", "Query", ...) return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(tableName, key string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	item, ok := t.items[key]
	if !ok {
		return nil
	}
	return clone(item)
}

// Len returns the number of items in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *Fake) table(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("missing table name")
	}
	t, ok := f.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: name}
	}
	return t, nil
}

func (f *Fake) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	key, err := keyOf(t.pk, params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(params.ConditionExpression, t.items[key], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	t.items[key] = clone(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	key, err := keyOf(t.pk, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	key, err := keyOf(t.pk, params.Key)
	if err != nil {
		return nil, err
	}
	current := t.items[key]
	ok, err := evalCondition(params.ConditionExpression, current, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	next, err := applyUpdate(current, params.Key, params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[key] = next
	out := &dyn.UpdateItemOutput{}
	if params.ReturnValues != "" && params.ReturnValues != types.ReturnValueNone {
		out.Attributes = clone(next)
	}
	return out, nil
}

func (f *Fake) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	var idx index
	if params.IndexName != nil {
		var ok bool
		if idx, ok = t.indexes[*params.IndexName]; !ok {
			return nil, fmt.Errorf("unknown index %q", *params.IndexName)
		}
	} else {
		idx = index{pk: t.pk}
	}

	var out []map[string]types.AttributeValue
	for _, item := range t.items {
		if _, ok := item[idx.pk]; !ok {
			continue
		}
		if idx.sk != "" {
			if _, ok := item[idx.sk]; !ok {
				continue
			}
		}
		ok, err := evalCondition(params.KeyConditionExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = evalCondition(params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, clone(item))
		}
	}

	sortKey := idx.sk
	if sortKey == "" {
		sortKey = t.pk
	}
	forward := params.ScanIndexForward == nil || *params.ScanIndexForward
	sort.SliceStable(out, func(i, j int) bool {
		c, _ := compare(out[i][sortKey], out[j][sortKey])
		if forward {
			return c < 0
		}
		return c > 0
	})
	if params.Limit != nil && int(*params.Limit) < len(out) {
		out = out[:*params.Limit]
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *Fake) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []map[string]types.AttributeValue
	for _, k := range keys {
		item := t.items[k]
		ok, err := evalCondition(params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, clone(item))
		}
	}
	return &dyn.ScanOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	type write struct {
		t    *table
		key  string
		item map[string]types.AttributeValue
	}
	writes := make([]write, 0, len(params.TransactItems))
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false

	for i, it := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: str("None")}
		var (
			t      *table
			key    string
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
			next   map[string]types.AttributeValue
			err    error
		)
		switch {
		case it.Put != nil:
			if t, err = f.table(it.Put.TableName); err != nil {
				return nil, err
			}
			if key, err = keyOf(t.pk, it.Put.Item); err != nil {
				return nil, err
			}
			cond, names, values = it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
			next = clone(it.Put.Item)
		case it.Update != nil:
			if t, err = f.table(it.Update.TableName); err != nil {
				return nil, err
			}
			if key, err = keyOf(t.pk, it.Update.Key); err != nil {
				return nil, err
			}
			cond, names, values = it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
			if next, err = applyUpdate(t.items[key], it.Update.Key, it.Update.UpdateExpression, names, values); err != nil {
				return nil, err
			}
		case it.ConditionCheck != nil:
			if t, err = f.table(it.ConditionCheck.TableName); err != nil {
				return nil, err
			}
			if key, err = keyOf(t.pk, it.ConditionCheck.Key); err != nil {
				return nil, err
			}
			cond, names, values = it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("unsupported transact item")
		}

		ok, err := evalCondition(cond, t.items[key], names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{Code: str("ConditionalCheckFailed")}
			continue
		}
		if next != nil {
			writes = append(writes, write{t: t, key: key, item: next})
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             str("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		w.t.items[w.key] = w.item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func keyOf(pk string, item map[string]types.AttributeValue) (string, error) {
	switch v := item[pk].(type) {
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		return v.Value, nil
	}
	return "", fmt.Errorf("item has no key attribute %q", pk)
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func str(s string) *string { return &s }

var (
	existsRe    = regexp.MustCompile(`^attribute_exists\(\s*(\S+?)\s*\)$`)
	notExistsRe = regexp.MustCompile(`^attribute_not_exists\(\s*(\S+?)\s*\)$`)
	compareRe   = regexp.MustCompile(`^(\S+)\s*(<>|<=|>=|=|<|>)\s*(:\S+)$`)
)

func resolve(name string, names map[string]string) (string, error) {
	if strings.HasPrefix(name, "#") {
		n, ok := names[name]
		if !ok {
			return "", fmt.Errorf("undefined attribute name %s", name)
		}
		return n, nil
	}
	return name, nil
}

// evalCondition evaluates an AND-joined condition against item.
// A nil or empty expression is true.
func evalCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, term := range strings.Split(*expr, " AND ") {
		term = strings.TrimSpace(term)
		if m := notExistsRe.FindStringSubmatch(term); m != nil {
			name, err := resolve(m[1], names)
			if err != nil {
				return false, err
			}
			if _, ok := item[name]; ok {
				return false, nil
			}
			continue
		}
		if m := existsRe.FindStringSubmatch(term); m != nil {
			name, err := resolve(m[1], names)
			if err != nil {
				return false, err
			}
			if _, ok := item[name]; !ok {
				return false, nil
			}
			continue
		}
		m := compareRe.FindStringSubmatch(term)
		if m == nil {
			return false, fmt.Errorf("unsupported condition term %q", term)
		}
		name, err := resolve(m[1], names)
		if err != nil {
			return false, err
		}
		want, ok := values[m[3]]
		if !ok {
			return false, fmt.Errorf("undefined attribute value %s", m[3])
		}
		have, ok := item[name]
		if !ok {
			return false, nil
		}
		c, ok := compare(have, want)
		if !ok {
			return false, nil
		}
		var hold bool
		switch m[2] {
		case "=":
			hold = c == 0
		case "<>":
			hold = c != 0
		case "<":
			hold = c < 0
		case "<=":
			hold = c <= 0
		case ">":
			hold = c > 0
		case ">=":
			hold = c >= 0
		}
		if !hold {
			return false, nil
		}
	}
	return true, nil
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
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

var removeRe = regexp.MustCompile(`\s*REMOVE\s+`)

// applyUpdate applies "SET a = :a, #b = :b REMOVE c, d" to a copy of current.
func applyUpdate(current, key map[string]types.AttributeValue, expr *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	if expr == nil {
		return next, nil
	}
	setPart, removePart := *expr, ""
	if loc := removeRe.FindStringIndex(setPart); loc != nil {
		setPart, removePart = setPart[:loc[0]], setPart[loc[1]:]
	}
	setPart = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(setPart), "SET"))
	if setPart != "" {
		for _, assign := range strings.Split(setPart, ",") {
			parts := strings.SplitN(assign, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("unsupported assignment %q", assign)
			}
			name, err := resolve(strings.TrimSpace(parts[0]), names)
			if err != nil {
				return nil, err
			}
			ref := strings.TrimSpace(parts[1])
			v, ok := values[ref]
			if !ok {
				return nil, fmt.Errorf("unsupported or undefined value %q", ref)
			}
			next[name] = v
		}
	}
	if removePart != "" {
		for _, n := range strings.Split(removePart, ",") {
			name, err := resolve(strings.TrimSpace(n), names)
			if err != nil {
				return nil, err
			}
			delete(next, name)
		}
	}
	return next, nil
}
