package sqlsafety

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// Reason is the rejection reason code carried by a Rejected verdict.
type Reason string

const (
	ReasonMultiStatement Reason = "multi-statement"
	ReasonNonSelect      Reason = "non-select-operation"
	ReasonUnparseable    Reason = "unparseable"
)

// Candidate is a generated SQL statement awaiting classification.
type Candidate struct {
	SQL         string
	IntentTag   string
	GeneratedAt time.Time
	Dialect     Dialect
}

// NewCandidate stamps a candidate with the current time.
func NewCandidate(sql, intentTag string, dialect Dialect) Candidate {
	return Candidate{SQL: sql, IntentTag: intentTag, GeneratedAt: time.Now().UTC(), Dialect: dialect}
}

// Verdict is the classifier's decision. Rejected verdicts are terminal.
type Verdict struct {
	Approved  bool
	Reason    Reason
	Operation string
	Detail    string
	// Statement is set only for approved verdicts.
	Statement *Statement
}

func (v Verdict) String() string {
	if v.Approved {
		return "approved"
	}
	s := "rejected(" + string(v.Reason)
	if v.Operation != "" {
		s += ": " + v.Operation
	}
	return s + ")"
}

// Err converts a rejection into a structured safety error. Approved verdicts
// return nil.
func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	msg := v.Detail
	if msg == "" {
		msg = "statement rejected"
	}
	err := apperrors.New(apperrors.ErrCodeSQLSafetyViolation, msg).
		WithContext("reason", string(v.Reason)).
		WithUserMessage(apperrors.Category(apperrors.ErrCodeSQLSafetyViolation))
	if v.Operation != "" {
		err.WithContext("operation", v.Operation)
	}
	return err
}

type rejection struct {
	reason Reason
	op     string
	detail string
}

func (r *rejection) Error() string { return fmt.Sprintf("%s: %s", r.reason, r.detail) }

func reject(reason Reason, op, detail string) *rejection {
	return &rejection{reason: reason, op: op, detail: detail}
}

// Classify decides whether a candidate is a single read-only query. It never
// panics; internal failures surface as unparseable.
func Classify(c Candidate) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Verdict{Reason: ReasonUnparseable, Detail: fmt.Sprintf("parser failure: %v", r)}
		}
	}()

	dialect := c.Dialect
	if dialect == "" {
		dialect = DialectSQLite
	}
	tokens, err := Lex(c.SQL, dialect)
	if err != nil {
		return Verdict{Reason: ReasonUnparseable, Detail: err.Error()}
	}
	stmts := splitStatements(tokens)
	switch len(stmts) {
	case 0:
		return Verdict{Reason: ReasonUnparseable, Detail: "empty statement"}
	case 1:
	default:
		return Verdict{Reason: ReasonMultiStatement, Detail: fmt.Sprintf("%d statements", len(stmts))}
	}

	tree, err := buildTree(stmts[0])
	if err != nil {
		return verdictFor(err)
	}
	cl := &classifier{dialect: dialect}
	shape, err := cl.query(tree, true)
	if err != nil {
		return verdictFor(err)
	}
	return Verdict{
		Approved: true,
		Statement: &Statement{
			Dialect:    dialect,
			Text:       c.SQL,
			Tokens:     stmts[0],
			Main:       *shape,
			CTEs:       cl.ctes,
			Subqueries: cl.subqueries,
		},
	}
}

func verdictFor(err error) Verdict {
	if r, ok := err.(*rejection); ok {
		return Verdict{Reason: r.reason, Operation: r.op, Detail: r.detail}
	}
	return Verdict{Reason: ReasonUnparseable, Detail: err.Error()}
}

// statementOperations are leading keywords of statements that are not
// read-only queries.
var statementOperations = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"REPLACE": true, "COPY": true, "LOAD": true, "BULK": true,
	"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true, "RENAME": true,
	"COMMENT": true, "GRANT": true, "REVOKE": true, "DENY": true,
	"EXEC": true, "EXECUTE": true, "CALL": true, "DO": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true, "RELEASE": true,
	"START": true, "END": true, "SET": true, "RESET": true, "USE": true, "DECLARE": true,
	"PRAGMA": true, "ATTACH": true, "DETACH": true, "VACUUM": true, "ANALYZE": true,
	"REINDEX": true, "EXPLAIN": true, "SHOW": true, "DESCRIBE": true, "DESC": true,
	"LOCK": true, "UNLOCK": true, "LISTEN": true, "NOTIFY": true, "UNLISTEN": true,
	"PREPARE": true, "DEALLOCATE": true, "CHECKPOINT": true, "CLUSTER": true,
	"REFRESH": true, "DISCARD": true, "SECURITY": true, "IMPORT": true,
	"KILL": true, "SHUTDOWN": true, "BACKUP": true, "RESTORE": true, "DBCC": true,
	"WAITFOR": true, "OPEN": true, "CLOSE": true, "FETCH": true, "PRINT": true,
	"RAISERROR": true, "THROW": true, "GOTO": true, "RETURN": true, "REVERT": true,
	"HANDLER": true, "FLUSH": true, "INSTALL": true, "UNINSTALL": true, "OPTIMIZE": true,
	"REPAIR": true, "CHECK": true, "PURGE": true, "RESIGNAL": true, "SIGNAL": true,
}

// boundaryWords start a new statement when they appear bare inside a query.
// They are reserved in every supported dialect.
var boundaryWords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"CREATE": true, "ALTER": true, "DROP": true, "GRANT": true, "REVOKE": true,
}

// groupOperations start a statement when they lead a parenthesized group.
// Unreserved keywords such as OPEN or COMMENT are left out since they are
// common column names.
var groupOperations = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"CREATE": true, "ALTER": true, "DROP": true, "GRANT": true, "REVOKE": true,
	"TRUNCATE": true, "EXEC": true, "EXECUTE": true, "CALL": true,
}

// sqlServerBoundaryWords additionally start statements in T-SQL batches, where
// semicolons are optional between statements.
var sqlServerBoundaryWords = map[string]bool{
	"TRUNCATE": true, "DENY": true, "EXEC": true, "EXECUTE": true, "DECLARE": true,
	"SET": true, "USE": true, "BEGIN": true, "COMMIT": true, "ROLLBACK": true,
	"WAITFOR": true, "DBCC": true, "BACKUP": true, "RESTORE": true, "SHUTDOWN": true,
	"KILL": true, "BULK": true, "REVERT": true, "PRINT": true, "RAISERROR": true,
}

// lockingHints are T-SQL table hints that take write-intent locks.
var lockingHints = map[string]bool{
	"UPDLOCK": true, "XLOCK": true, "TABLOCKX": true, "HOLDLOCK": true,
}

// sideEffectRoutines are callable routines that write, sleep, lock, or reach
// outside the database.
var sideEffectRoutines = map[string]bool{
	"openrowset": true, "opendatasource": true, "openquery": true,
	"pg_sleep": true, "pg_sleep_for": true, "pg_sleep_until": true,
	"pg_read_file": true, "pg_read_binary_file": true, "pg_ls_dir": true, "pg_stat_file": true,
	"pg_terminate_backend": true, "pg_cancel_backend": true, "pg_reload_conf": true,
	"pg_rotate_logfile": true, "pg_advisory_lock": true, "pg_advisory_xact_lock": true,
	"pg_try_advisory_lock": true, "lo_import": true, "lo_export": true, "lo_unlink": true,
	"lo_create": true, "dblink": true, "dblink_exec": true, "nextval": true, "setval": true,
	"set_config": true, "query_to_xml": true, "query_to_xml_and_xmlschema": true,
	"cursor_to_xml": true, "load_extension": true, "writefile": true, "readfile": true,
	"edit": true, "fts3_tokenizer": true, "sleep": true, "benchmark": true, "load_file": true,
	"get_lock": true, "release_lock": true, "sys_exec": true, "sys_eval": true,
}

var sideEffectPrefixes = []string{"xp_", "sp_"}

func isSideEffectRoutine(name string) bool {
	name = strings.ToLower(name)
	if sideEffectRoutines[name] {
		return true
	}
	for _, p := range sideEffectPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

type classifier struct {
	dialect    Dialect
	ctes       []string
	subqueries int
}

func isQueryStart(n node) bool {
	return n.word("SELECT") || n.word("WITH") || n.word("VALUES")
}

// query classifies a query expression. When top is set the returned shape
// describes the outermost query.
func (c *classifier) query(items []node, top bool) (*QueryShape, error) {
	shape := &QueryShape{}
	if len(items) == 0 {
		return nil, reject(ReasonUnparseable, "", "empty query")
	}
	var capture *QueryShape
	if top {
		capture = shape
	}

	first := items[0]
	if first.isGroup() {
		if err := c.group(first.group); err != nil {
			return nil, err
		}
		return shape, c.body(items[1:], capture)
	}

	switch first.tok.Kind {
	case TokenWord:
	default:
		return nil, reject(ReasonUnparseable, "", fmt.Sprintf("unexpected %s at start of query", first.tok.Kind))
	}

	switch first.tok.Upper {
	case "WITH":
		start, err := c.commonTableExpressions(items)
		if err != nil {
			return nil, err
		}
		return c.query(items[start:], top)
	case "SELECT":
		if len(items) == 1 {
			return nil, reject(ReasonUnparseable, "", "empty select list")
		}
		tok := first.tok
		shape.Select = &tok
		rest := items[1:]
		if len(rest) > 0 && !rest[0].isGroup() &&
			(rest[0].tok.Is("DISTINCT") || rest[0].tok.Is("ALL") || rest[0].tok.Is("DISTINCTROW")) {
			q := rest[0].tok
			shape.Quantifier = &q
			rest = rest[1:]
		}
		if len(rest) > 0 && rest[0].word("TOP") {
			consumed, limit, err := parseTop(rest)
			if err != nil {
				return nil, err
			}
			if top {
				shape.Limit = limit
			}
			rest = rest[consumed:]
		}
		if len(rest) == 0 {
			return nil, reject(ReasonUnparseable, "", "empty select list")
		}
		return shape, c.body(rest, capture)
	case "VALUES":
		return shape, c.body(items[1:], capture)
	case "TABLE":
		if len(items) < 2 {
			return nil, reject(ReasonUnparseable, "", "TABLE without a relation")
		}
		return shape, c.body(items[1:], capture)
	}
	if statementOperations[first.tok.Upper] {
		return nil, reject(ReasonNonSelect, first.tok.Upper, first.tok.Upper+" statement")
	}
	return nil, reject(ReasonUnparseable, "", fmt.Sprintf("unrecognized statement %q", first.tok.Text))
}

// commonTableExpressions validates a WITH clause and returns the index of the
// main query.
func (c *classifier) commonTableExpressions(items []node) (int, error) {
	i := 1
	if i < len(items) && items[i].word("RECURSIVE") {
		i++
	}
	for {
		if i >= len(items) || items[i].isGroup() ||
			(items[i].tok.Kind != TokenWord && items[i].tok.Kind != TokenQuotedIdent) {
			return 0, reject(ReasonUnparseable, "", "expected common table expression name")
		}
		name := items[i].tok.Text
		i++
		if i < len(items) && items[i].isGroup() {
			i++ // column list
		}
		if i >= len(items) || !items[i].word("AS") {
			return 0, reject(ReasonUnparseable, "", "expected AS in common table expression "+name)
		}
		i++
		if i < len(items) && items[i].word("NOT") {
			i++
		}
		if i < len(items) && items[i].word("MATERIALIZED") {
			i++
		}
		if i >= len(items) || !items[i].isGroup() {
			return 0, reject(ReasonUnparseable, "", "expected parenthesized body for "+name)
		}
		body := items[i].group.items
		if len(body) > 0 && !body[0].isGroup() && statementOperations[body[0].tok.Upper] && body[0].tok.Kind == TokenWord {
			op := body[0].tok.Upper
			return 0, reject(ReasonNonSelect, op, op+" inside common table expression "+name)
		}
		if _, err := c.query(body, false); err != nil {
			return 0, err
		}
		c.ctes = append(c.ctes, name)
		i++

		// SEARCH and CYCLE clauses.
		for i < len(items) && (items[i].word("SEARCH") || items[i].word("CYCLE")) {
			for i < len(items) && !items[i].isGroup() && items[i].tok.Kind != TokenComma &&
				!isQueryStart(items[i]) && !statementOperations[items[i].tok.Upper] {
				i++
			}
		}
		if i < len(items) && !items[i].isGroup() && items[i].tok.Kind == TokenComma {
			i++
			continue
		}
		break
	}
	if i >= len(items) {
		return 0, reject(ReasonUnparseable, "", "WITH clause without a main query")
	}
	return i, nil
}

// group classifies a parenthesized group: a subquery, an expression list, or
// a function argument list.
func (c *classifier) group(g *group) error {
	items := g.items
	if len(items) == 0 {
		return nil
	}
	first := items[0]
	if isQueryStart(first) {
		c.subqueries++
		_, err := c.query(items, false)
		return err
	}
	if !first.isGroup() && first.tok.Kind == TokenWord && groupOperations[first.tok.Upper] {
		calls := len(items) > 1 && items[1].isGroup()
		if !calls {
			return reject(ReasonNonSelect, first.tok.Upper, first.tok.Upper+" inside subquery")
		}
	}
	return c.body(items, nil)
}

// body walks the clauses of a query or expression. Nested groups are
// classified recursively. When shape is non-nil, limit clauses of the
// outermost query are recorded into it.
func (c *classifier) body(items []node, shape *QueryShape) error {
	for i := 0; i < len(items); i++ {
		n := items[i]
		if n.isGroup() {
			if err := c.group(n.group); err != nil {
				return err
			}
			continue
		}
		tok := n.tok
		nextIsGroup := i+1 < len(items) && items[i+1].isGroup()

		if nextIsGroup && (tok.Kind == TokenWord || tok.Kind == TokenQuotedIdent) {
			name := unquoteIdent(tok)
			if isSideEffectRoutine(name) {
				return reject(ReasonNonSelect, strings.ToUpper(name), "call to side-effecting routine "+name)
			}
			if tok.Is("WITH") && c.dialect == DialectSQLServer {
				if hint := lockingHint(items[i+1].group); hint != "" {
					return reject(ReasonNonSelect, hint, "locking table hint "+hint)
				}
			}
		}
		if tok.Kind != TokenWord {
			continue
		}
		prevDot := i > 0 && !items[i-1].isGroup() && items[i-1].tok.Kind == TokenDot
		if prevDot {
			continue
		}

		switch tok.Upper {
		case "INTO":
			return reject(ReasonNonSelect, "SELECT INTO", "SELECT ... INTO writes a relation")
		case "FOR":
			if i+1 < len(items) {
				next := items[i+1]
				if next.word("UPDATE") || next.word("SHARE") || next.word("NO") || next.word("KEY") {
					return reject(ReasonNonSelect, "FOR "+next.tok.Upper, "row locking clause")
				}
			}
		case "LOCK":
			if i+1 < len(items) && items[i+1].word("IN") {
				return reject(ReasonNonSelect, "LOCK IN SHARE MODE", "row locking clause")
			}
		case "UNION", "INTERSECT", "EXCEPT", "MINUS":
			if shape != nil {
				shape.SetOperation = true
				shape.Limit = nil
				shape.HasOffset = false
			}
		case "LIMIT":
			if shape != nil {
				shape.Limit = parseLimit(items[i+1:])
			}
		case "OFFSET":
			if shape != nil {
				shape.HasOffset = true
			}
		case "FETCH":
			if shape != nil && i+1 < len(items) && (items[i+1].word("FIRST") || items[i+1].word("NEXT")) {
				shape.Limit = parseFetch(items[i+2:])
			}
		}

		if nextIsGroup {
			continue
		}
		if boundaryWords[tok.Upper] || (c.dialect == DialectSQLServer && sqlServerBoundaryWords[tok.Upper]) {
			return reject(ReasonNonSelect, tok.Upper, tok.Upper+" statement inside query")
		}
	}
	return nil
}

func lockingHint(g *group) string {
	for _, n := range g.items {
		if !n.isGroup() && n.tok.Kind == TokenWord && lockingHints[n.tok.Upper] {
			return n.tok.Upper
		}
	}
	return ""
}

func unquoteIdent(tok Token) string {
	if tok.Kind != TokenQuotedIdent || len(tok.Text) < 2 {
		return tok.Text
	}
	return tok.Text[1 : len(tok.Text)-1]
}

// parseTop reads TOP n, TOP (n), PERCENT and WITH TIES starting at items[0].
// It returns how many items were consumed.
func parseTop(items []node) (int, *LimitClause, error) {
	if len(items) < 2 {
		return 0, nil, reject(ReasonUnparseable, "", "TOP without a count")
	}
	limit := &LimitClause{Kind: LimitTop}
	arg := items[1]
	switch {
	case arg.isGroup():
		if len(arg.group.items) == 1 && !arg.group.items[0].isGroup() {
			setCount(limit, arg.group.items[0].tok)
		}
	default:
		setCount(limit, arg.tok)
	}
	consumed := 2
	if consumed < len(items) && items[consumed].word("PERCENT") {
		limit.Percent = true
		consumed++
	}
	if consumed+1 < len(items) && items[consumed].word("WITH") && items[consumed+1].word("TIES") {
		limit.WithTies = true
		consumed += 2
	}
	return consumed, limit, nil
}

// parseLimit reads the arguments following LIMIT. A limit it cannot read as a
// literal is still recorded so no second limit is appended.
func parseLimit(items []node) *LimitClause {
	limit := &LimitClause{Kind: LimitKeyword}
	if len(items) == 0 || items[0].isGroup() {
		return limit
	}
	// MySQL LIMIT offset, count
	if len(items) >= 3 && !items[1].isGroup() && items[1].tok.Kind == TokenComma && !items[2].isGroup() {
		setCount(limit, items[2].tok)
		return limit
	}
	if len(items) > 1 && !items[1].isGroup() && items[1].tok.Kind == TokenOperator {
		return limit
	}
	setCount(limit, items[0].tok)
	return limit
}

func parseFetch(items []node) *LimitClause {
	limit := &LimitClause{Kind: LimitFetch}
	if len(items) > 0 && (items[0].word("ROW") || items[0].word("ROWS")) {
		limit.Literal = true
		limit.Value = 1
	} else if len(items) > 0 && !items[0].isGroup() {
		setCount(limit, items[0].tok)
		items = items[1:]
		if len(items) > 0 && items[0].word("PERCENT") {
			limit.Percent = true
		}
	}
	for j := 0; j+1 < len(items); j++ {
		if items[j].word("WITH") && items[j+1].word("TIES") {
			limit.WithTies = true
		}
	}
	return limit
}

func setCount(limit *LimitClause, tok Token) {
	limit.Count = tok
	limit.HasCount = true
	if tok.Kind != TokenNumber {
		return
	}
	v, err := strconv.ParseInt(tok.Text, 10, 64)
	if err != nil || v < 0 {
		return
	}
	limit.Literal = true
	limit.Value = v
}
