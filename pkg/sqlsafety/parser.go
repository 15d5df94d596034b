package sqlsafety

// node is either a single token or a balanced parenthesized group.
type node struct {
	tok   Token
	group *group
}

func (n node) isGroup() bool { return n.group != nil }

func (n node) word(keyword string) bool {
	return n.group == nil && n.tok.Is(keyword)
}

type group struct {
	open  Token
	close Token
	items []node
}

// buildTree nests tokens by parentheses. Unbalanced input is unparseable.
func buildTree(tokens []Token) ([]node, error) {
	type frame struct {
		open  Token
		items []node
	}
	stack := []frame{{}}
	for _, tok := range tokens {
		switch tok.Kind {
		case TokenLParen:
			stack = append(stack, frame{open: tok})
		case TokenRParen:
			if len(stack) == 1 {
				return nil, reject(ReasonUnparseable, "", "unbalanced closing parenthesis")
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			g := &group{open: top.open, close: tok, items: top.items}
			parent := &stack[len(stack)-1]
			parent.items = append(parent.items, node{group: g})
		default:
			cur := &stack[len(stack)-1]
			cur.items = append(cur.items, node{tok: tok})
		}
	}
	if len(stack) != 1 {
		return nil, reject(ReasonUnparseable, "", "unbalanced opening parenthesis")
	}
	return stack[0].items, nil
}

// splitStatements drops empty statements and returns the non-empty ones.
func splitStatements(tokens []Token) [][]Token {
	var out [][]Token
	start := 0
	for i, tok := range tokens {
		if tok.Kind != TokenSemicolon {
			continue
		}
		if i > start {
			out = append(out, tokens[start:i])
		}
		start = i + 1
	}
	if start < len(tokens) {
		out = append(out, tokens[start:])
	}
	return out
}

// LimitKind identifies the syntax carrying an existing row limit.
type LimitKind int

const (
	LimitKeyword LimitKind = iota // LIMIT n
	LimitTop                      // TOP n / TOP (n)
	LimitFetch                    // FETCH FIRST|NEXT n ROWS ONLY
)

// LimitClause is a row limit already present on the outermost query.
type LimitClause struct {
	Kind LimitKind
	// Count is the token holding the row count. HasCount is false for
	// FETCH FIRST ROW ONLY, which implies a count of one.
	Count    Token
	HasCount bool
	Literal  bool
	Value    int64
	Percent  bool
	WithTies bool
}

// QueryShape summarizes the outermost query for row ceiling injection.
type QueryShape struct {
	// Select is the leading SELECT keyword of the outermost query; nil when
	// the query is VALUES, TABLE or starts with a parenthesized query.
	Select *Token
	// Quantifier is a DISTINCT or ALL keyword directly after Select.
	Quantifier   *Token
	SetOperation bool
	Limit        *LimitClause
	HasOffset    bool
}

// Statement is an approved single read-only query.
type Statement struct {
	Dialect    Dialect
	Text       string
	Tokens     []Token
	Main       QueryShape
	CTEs       []string
	Subqueries int
}

// End is the byte offset just past the last significant token, so trailing
// comments and semicolons fall outside it.
func (s *Statement) End() int {
	if len(s.Tokens) == 0 {
		return 0
	}
	return s.Tokens[len(s.Tokens)-1].End
}
