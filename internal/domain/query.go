package domain

// FilterOp is a comparison supported by the store's query API.
type FilterOp string

const (
	OpEq      FilterOp = "eq"
	OpNe      FilterOp = "ne"
	OpGt      FilterOp = "gt"
	OpGte     FilterOp = "gte"
	OpLt      FilterOp = "lt"
	OpLte     FilterOp = "lte"
	OpPrefix  FilterOp = "prefix"
	OpNull    FilterOp = "null"
	OpNotNull FilterOp = "notnull"
)

// Filter restricts a query on one column. Value is ignored for null checks.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Order sorts a query on one column.
type Order struct {
	Field string
	Desc  bool
}

// Query is a filtered, ordered, bounded listing. Limit <= 0 means no limit.
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int
}

// Where appends a filter and returns the query for chaining.
func (q Query) Where(field string, op FilterOp, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Sort appends an ordering key and returns the query for chaining.
func (q Query) Sort(field string, desc bool) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Desc: desc})
	return q
}
