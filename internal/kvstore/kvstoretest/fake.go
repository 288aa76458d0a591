// Package kvstoretest provides an in-memory kvstore.Client that
// reproduces DynamoDB's conditional-write semantics (attribute_exists,
// attribute_not_exists, equality guards, if_not_exists(), SET/REMOVE) over
// a small enough grammar that internal/statestore's generated expressions
// are the only ones it needs to understand. It exists so
// internal/statestore's tests can exercise the exact conditional-update
// contract the real DynamoDBClient honors, without a live table.
package kvstoretest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lifion/lifion-kinesis-sub001/internal/kvstore"
)

// Client is a single-table fake keyed like the real documents: by
// (consumerGroup, streamName).
type Client struct {
	mu    sync.Mutex
	items map[kvstore.Key]map[string]types.AttributeValue

	// Hooks, set by tests, fire after the item has been committed for the
	// named operation ("Put"/"Update"/"Delete"), used to simulate a
	// racing writer between a test's read and write.
	AfterCommit func(op string)
}

// New returns an empty fake store.
func New() *Client {
	return &Client{items: map[kvstore.Key]map[string]types.AttributeValue{}}
}

func (c *Client) GetItem(_ context.Context, key kvstore.Key, _ bool) (map[string]types.AttributeValue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	return deepCopyItem(item), true, nil
}

func (c *Client) PutItem(_ context.Context, item map[string]types.AttributeValue, condition *kvstore.Expr) error {
	c.mu.Lock()

	key, err := keyOf(item)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	existing := c.items[key]
	if condition != nil {
		ok, err := evalCondition(condition, existing)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if !ok {
			c.mu.Unlock()
			return kvstore.ErrConditionalCheckFailed
		}
	}

	c.items[key] = deepCopyItem(item)
	c.mu.Unlock()
	c.fire("Put")
	return nil
}

func (c *Client) UpdateItem(_ context.Context, key kvstore.Key, update kvstore.Expr, condition *kvstore.Expr) (map[string]types.AttributeValue, error) {
	c.mu.Lock()

	existing := c.items[key]
	if condition != nil {
		ok, err := evalCondition(condition, existing)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if !ok {
			c.mu.Unlock()
			return nil, kvstore.ErrConditionalCheckFailed
		}
	}

	next := deepCopyItem(existing)
	if next == nil {
		next = map[string]types.AttributeValue{}
	}
	if err := applyUpdate(update, next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	next["consumerGroup"] = &types.AttributeValueMemberS{Value: key.ConsumerGroup}
	next["streamName"] = &types.AttributeValueMemberS{Value: key.StreamName}

	c.items[key] = next
	result := deepCopyItem(next)
	c.mu.Unlock()
	c.fire("Update")
	return result, nil
}

func (c *Client) DeleteItem(_ context.Context, key kvstore.Key, condition *kvstore.Expr) error {
	c.mu.Lock()

	existing := c.items[key]
	if condition != nil {
		ok, err := evalCondition(condition, existing)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if !ok {
			c.mu.Unlock()
			return kvstore.ErrConditionalCheckFailed
		}
	}

	delete(c.items, key)
	c.mu.Unlock()
	c.fire("Delete")
	return nil
}

func (c *Client) fire(op string) {
	if c.AfterCommit != nil {
		c.AfterCommit(op)
	}
}

func keyOf(item map[string]types.AttributeValue) (kvstore.Key, error) {
	cg, ok := item["consumerGroup"].(*types.AttributeValueMemberS)
	if !ok {
		return kvstore.Key{}, fmt.Errorf("kvstoretest: item missing consumerGroup")
	}
	sn, ok := item["streamName"].(*types.AttributeValueMemberS)
	if !ok {
		return kvstore.Key{}, fmt.Errorf("kvstoretest: item missing streamName")
	}
	return kvstore.Key{ConsumerGroup: cg.Value, StreamName: sn.Value}, nil
}

// --- path resolution -------------------------------------------------

func resolvePath(path string, names map[string]string) ([]string, error) {
	segments := strings.Split(path, ".")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if strings.HasPrefix(seg, "#") {
			name, ok := names[seg]
			if !ok {
				return nil, fmt.Errorf("kvstoretest: no ExpressionAttributeNames entry for %q", seg)
			}
			out = append(out, name)
			continue
		}
		out = append(out, seg)
	}
	return out, nil
}

func navigate(root map[string]types.AttributeValue, segments []string) (types.AttributeValue, bool) {
	var cur types.AttributeValue = &types.AttributeValueMemberM{Value: root}
	for _, seg := range segments {
		m, ok := cur.(*types.AttributeValueMemberM)
		if !ok {
			return nil, false
		}
		next, ok := m.Value[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// setPath creates intermediate maps as needed.
func setPath(root map[string]types.AttributeValue, segments []string, value types.AttributeValue) error {
	m := root
	for i, seg := range segments {
		if i == len(segments)-1 {
			m[seg] = value
			return nil
		}
		child, ok := m[seg]
		if !ok {
			newM := map[string]types.AttributeValue{}
			m[seg] = &types.AttributeValueMemberM{Value: newM}
			m = newM
			continue
		}
		childM, ok := child.(*types.AttributeValueMemberM)
		if !ok {
			return fmt.Errorf("kvstoretest: path segment %q is not a map", seg)
		}
		m = childM.Value
	}
	return nil
}

func removePath(root map[string]types.AttributeValue, segments []string) {
	m := root
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(m, seg)
			return
		}
		child, ok := m[seg]
		if !ok {
			return
		}
		childM, ok := child.(*types.AttributeValueMemberM)
		if !ok {
			return
		}
		m = childM.Value
	}
}

// --- condition evaluation ---------------------------------------------

func evalCondition(expr *kvstore.Expr, item map[string]types.AttributeValue) (bool, error) {
	if item == nil {
		item = map[string]types.AttributeValue{}
	}
	clauses := splitTopLevel(expr.Expression, " AND ")
	for _, clause := range clauses {
		ok, err := evalClause(strings.TrimSpace(clause), expr, item)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, expr *kvstore.Expr, item map[string]types.AttributeValue) (bool, error) {
	switch {
	case strings.HasPrefix(clause, "attribute_not_exists("):
		path := strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")")
		segs, err := resolvePath(path, expr.Names)
		if err != nil {
			return false, err
		}
		_, found := navigate(item, segs)
		return !found, nil

	case strings.HasPrefix(clause, "attribute_exists("):
		path := strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")")
		segs, err := resolvePath(path, expr.Names)
		if err != nil {
			return false, err
		}
		_, found := navigate(item, segs)
		return found, nil

	default:
		parts := strings.SplitN(clause, " = ", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("kvstoretest: unsupported condition clause %q", clause)
		}
		segs, err := resolvePath(strings.TrimSpace(parts[0]), expr.Names)
		if err != nil {
			return false, err
		}
		want, ok := expr.Values[strings.TrimSpace(parts[1])]
		if !ok {
			return false, fmt.Errorf("kvstoretest: no ExpressionAttributeValues entry for %q", parts[1])
		}
		got, found := navigate(item, segs)
		if !found {
			return false, nil
		}
		return reflect.DeepEqual(got, want), nil
	}
}

// --- update application -------------------------------------------------

func applyUpdate(update kvstore.Expr, item map[string]types.AttributeValue) error {
	expression := update.Expression

	setClause, removeClause := "", ""
	if idx := strings.Index(expression, "REMOVE "); idx >= 0 {
		setClause = strings.TrimSpace(expression[:idx])
		removeClause = strings.TrimSpace(expression[idx+len("REMOVE "):])
		// "REMOVE a SET b = :v" puts the SET clause after the REMOVE paths.
		if setIdx := strings.Index(removeClause, " SET "); setIdx >= 0 {
			setClause = strings.TrimSpace(removeClause[setIdx:])
			removeClause = strings.TrimSpace(removeClause[:setIdx])
		}
	} else {
		setClause = strings.TrimSpace(expression)
	}
	setClause = strings.TrimPrefix(setClause, "SET ")
	setClause = strings.TrimSpace(setClause)

	if removeClause != "" {
		for _, path := range splitTopLevel(removeClause, ", ") {
			segs, err := resolvePath(strings.TrimSpace(path), update.Names)
			if err != nil {
				return err
			}
			removePath(item, segs)
		}
	}

	if setClause != "" {
		for _, assignment := range splitTopLevel(setClause, ", ") {
			eq := strings.Index(assignment, " = ")
			if eq < 0 {
				return fmt.Errorf("kvstoretest: unsupported SET clause %q", assignment)
			}
			path := strings.TrimSpace(assignment[:eq])
			valueExpr := strings.TrimSpace(assignment[eq+len(" = "):])

			segs, err := resolvePath(path, update.Names)
			if err != nil {
				return err
			}

			value, err := evalValueExpr(valueExpr, update, item, segs)
			if err != nil {
				return err
			}
			if value == nil {
				continue // if_not_exists no-op: path already populated
			}
			if err := setPath(item, segs, value); err != nil {
				return err
			}
		}
	}

	return nil
}

// evalValueExpr resolves either a plain ":value" token or
// "if_not_exists(path, :default)". It returns (nil, nil) when
// if_not_exists finds the path already populated, meaning "leave as is".
func evalValueExpr(valueExpr string, update kvstore.Expr, item map[string]types.AttributeValue, targetSegs []string) (types.AttributeValue, error) {
	if strings.HasPrefix(valueExpr, "if_not_exists(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(valueExpr, "if_not_exists("), ")")
		parts := splitTopLevel(inner, ", ")
		if len(parts) != 2 {
			return nil, fmt.Errorf("kvstoretest: malformed if_not_exists expression %q", valueExpr)
		}
		if _, found := navigate(item, targetSegs); found {
			return nil, nil
		}
		return lookupValue(parts[1], update.Values)
	}
	return lookupValue(valueExpr, update.Values)
}

func lookupValue(token string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	v, ok := values[strings.TrimSpace(token)]
	if !ok {
		return nil, fmt.Errorf("kvstoretest: no ExpressionAttributeValues entry for %q", token)
	}
	return v, nil
}

// splitTopLevel splits s on sep, ignoring occurrences of sep nested inside
// parentheses (needed for "if_not_exists(a, :b)" inside a comma-separated
// SET clause list).
func splitTopLevel(s string, sep string) []string {
	var out []string
	depth := 0
	last := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			out = append(out, s[last:i])
			last = i + len(sep)
			i += len(sep) - 1
		}
	}
	out = append(out, s[last:])
	return out
}

func deepCopyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v types.AttributeValue) types.AttributeValue {
	switch val := v.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: deepCopyItem(val.Value)}
	case *types.AttributeValueMemberL:
		list := make([]types.AttributeValue, len(val.Value))
		for i, e := range val.Value {
			list[i] = deepCopyValue(e)
		}
		return &types.AttributeValueMemberL{Value: list}
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: val.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: val.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: val.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: val.Value}
	default:
		return v
	}
}

var _ kvstore.Client = (*Client)(nil)
