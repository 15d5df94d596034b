package sqlsafety

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Dialect selects dialect-specific lexical rules and limit syntax.
type Dialect string

const (
	DialectSQLite    Dialect = "sqlite"
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectSQLServer Dialect = "sqlserver"
)

// ParseDialect normalizes a dialect name. Unknown names return an error.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlserver", "mssql", "tsql", "azuresql":
		return DialectSQLServer, nil
	default:
		return "", fmt.Errorf("unknown sql dialect %q", s)
	}
}

// bracketIdentifiers reports whether [name] is a quoted identifier.
func (d Dialect) bracketIdentifiers() bool {
	return d == DialectSQLServer || d == DialectSQLite
}

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenParam
	TokenOperator
	TokenLParen
	TokenRParen
	TokenComma
	TokenSemicolon
	TokenDot
)

func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenQuotedIdent:
		return "quoted-ident"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenParam:
		return "param"
	case TokenOperator:
		return "operator"
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	case TokenComma:
		return ","
	case TokenSemicolon:
		return ";"
	case TokenDot:
		return "."
	default:
		return "unknown"
	}
}

// Token is a lexical token with its byte span in the source text.
type Token struct {
	Kind  TokenKind
	Text  string
	Upper string // upper-cased Text for words, empty otherwise
	Pos   int
	End   int
}

// Is reports whether the token is the given bare keyword.
func (t Token) Is(keyword string) bool {
	return t.Kind == TokenWord && t.Upper == keyword
}

// LexError describes a lexical failure at a byte offset.
type LexError struct {
	Pos    int
	Reason string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Pos, e.Reason)
}

// Lex splits SQL text into tokens. Comments and whitespace are dropped.
// String literals, quoted identifiers and comments are consumed whole so
// their contents never surface as keywords.
func Lex(src string, dialect Dialect) ([]Token, error) {
	lx := &lexer{src: src, dialect: dialect}
	return lx.run()
}

type lexer struct {
	src     string
	pos     int
	dialect Dialect
	tokens  []Token
}

func (lx *lexer) run() ([]Token, error) {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			lx.pos++
		case c == '-' && lx.peek(1) == '-' && lx.lineCommentAt():
			lx.skipLineComment()
		case c == '#' && lx.dialect == DialectMySQL:
			lx.skipLineComment()
		case c == '/' && lx.peek(1) == '*':
			if err := lx.skipBlockComment(); err != nil {
				return nil, err
			}
		case c == '\'':
			if err := lx.quoted(lx.pos, lx.pos, '\'', TokenString, lx.dialect == DialectMySQL); err != nil {
				return nil, err
			}
		case c == '"':
			kind := TokenQuotedIdent
			if lx.dialect == DialectMySQL {
				kind = TokenString
			}
			if err := lx.quoted(lx.pos, lx.pos, '"', kind, false); err != nil {
				return nil, err
			}
		case c == '`':
			if err := lx.quoted(lx.pos, lx.pos, '`', TokenQuotedIdent, false); err != nil {
				return nil, err
			}
		case c == '[' && lx.dialect.bracketIdentifiers():
			if err := lx.bracketed(); err != nil {
				return nil, err
			}
		case c == '$':
			if err := lx.dollar(); err != nil {
				return nil, err
			}
		case c == '(':
			lx.emit(TokenLParen, lx.pos, lx.pos+1)
		case c == ')':
			lx.emit(TokenRParen, lx.pos, lx.pos+1)
		case c == ',':
			lx.emit(TokenComma, lx.pos, lx.pos+1)
		case c == ';':
			lx.emit(TokenSemicolon, lx.pos, lx.pos+1)
		case c == '.' && !isDigit(lx.peek(1)):
			lx.emit(TokenDot, lx.pos, lx.pos+1)
		case isDigit(c) || c == '.':
			lx.number()
		case c == '?':
			lx.emit(TokenParam, lx.pos, lx.pos+1)
		case c == '@' || (c == ':' && isIdentStart(lx.peekRune(1))):
			lx.param()
		default:
			r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
			if r == utf8.RuneError && size <= 1 {
				return nil, &LexError{Pos: lx.pos, Reason: "invalid utf-8"}
			}
			if isIdentStart(r) {
				if err := lx.word(); err != nil {
					return nil, err
				}
				continue
			}
			if strings.ContainsRune("+-*/%<>=!~^&|:#[]{}", r) {
				lx.emit(TokenOperator, lx.pos, lx.pos+size)
				continue
			}
			return nil, &LexError{Pos: lx.pos, Reason: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	return lx.tokens, nil
}

func (lx *lexer) peek(offset int) byte {
	if lx.pos+offset < len(lx.src) {
		return lx.src[lx.pos+offset]
	}
	return 0
}

func (lx *lexer) peekRune(offset int) rune {
	if lx.pos+offset >= len(lx.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(lx.src[lx.pos+offset:])
	return r
}

func (lx *lexer) emit(kind TokenKind, start, end int) {
	tok := Token{Kind: kind, Text: lx.src[start:end], Pos: start, End: end}
	if kind == TokenWord {
		tok.Upper = strings.ToUpper(tok.Text)
	}
	lx.tokens = append(lx.tokens, tok)
	lx.pos = end
}

func (lx *lexer) skipLineComment() {
	for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
		lx.pos++
	}
}

// nestedComments reports whether /* ... */ comments nest. SQLite and MySQL
// end a comment at the first */ regardless of inner openers.
func (d Dialect) nestedComments() bool {
	return d == DialectPostgres || d == DialectSQLServer
}

// lineCommentAt reports whether "--" at the current position opens a comment.
// MySQL needs whitespace or end of input after the dashes; otherwise 1--1
// is arithmetic.
func (lx *lexer) lineCommentAt() bool {
	if lx.dialect != DialectMySQL {
		return true
	}
	switch lx.peek(2) {
	case 0, ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func (lx *lexer) skipBlockComment() error {
	start := lx.pos
	if lx.dialect == DialectMySQL && (lx.peek(2) == '!' || (lx.peek(2) == 'M' && lx.peek(3) == '!')) {
		return &LexError{Pos: start, Reason: "executable comment"}
	}
	nested := lx.dialect.nestedComments()
	lx.pos += 2
	depth := 1
	for lx.pos < len(lx.src) {
		switch {
		case nested && lx.src[lx.pos] == '/' && lx.peek(1) == '*':
			depth++
			lx.pos += 2
		case lx.src[lx.pos] == '*' && lx.peek(1) == '/':
			depth--
			lx.pos += 2
			if depth == 0 {
				return nil
			}
		default:
			lx.pos++
		}
	}
	return &LexError{Pos: start, Reason: "unterminated block comment"}
}

// quoted consumes a literal delimited by quote where a doubled quote is an
// escaped quote. start is where the token begins (it may include a prefix such
// as N or E); open is the offset of the opening quote.
func (lx *lexer) quoted(start, open int, quote byte, kind TokenKind, backslash bool) error {
	i := open + 1
	for i < len(lx.src) {
		c := lx.src[i]
		if backslash && c == '\\' {
			i += 2
			continue
		}
		if c == quote {
			if i+1 < len(lx.src) && lx.src[i+1] == quote {
				i += 2
				continue
			}
			lx.emit(kind, start, i+1)
			return nil
		}
		i++
	}
	return &LexError{Pos: start, Reason: fmt.Sprintf("unterminated %s", kind)}
}

func (lx *lexer) bracketed() error {
	start := lx.pos
	i := start + 1
	for i < len(lx.src) {
		if lx.src[i] == ']' {
			if i+1 < len(lx.src) && lx.src[i+1] == ']' {
				i += 2
				continue
			}
			lx.emit(TokenQuotedIdent, start, i+1)
			return nil
		}
		i++
	}
	return &LexError{Pos: start, Reason: "unterminated bracketed identifier"}
}

// dollar handles $1 positional parameters and postgres $tag$...$tag$ strings.
func (lx *lexer) dollar() error {
	start := lx.pos
	if isDigit(lx.peek(1)) {
		i := start + 1
		for i < len(lx.src) && isDigit(lx.src[i]) {
			i++
		}
		lx.emit(TokenParam, start, i)
		return nil
	}
	i := start + 1
	for i < len(lx.src) && (isIdentByte(lx.src[i])) {
		i++
	}
	if i >= len(lx.src) || lx.src[i] != '$' {
		return &LexError{Pos: start, Reason: "unexpected character '$'"}
	}
	tag := lx.src[start : i+1]
	body := i + 1
	end := strings.Index(lx.src[body:], tag)
	if end < 0 {
		return &LexError{Pos: start, Reason: "unterminated dollar-quoted string"}
	}
	lx.emit(TokenString, start, body+end+len(tag))
	return nil
}

func (lx *lexer) number() {
	start := lx.pos
	i := start
	if lx.src[i] == '0' && i+1 < len(lx.src) && (lx.src[i+1] == 'x' || lx.src[i+1] == 'X') {
		i += 2
		for i < len(lx.src) && isHexDigit(lx.src[i]) {
			i++
		}
		lx.emit(TokenNumber, start, i)
		return
	}
	for i < len(lx.src) && isDigit(lx.src[i]) {
		i++
	}
	if i < len(lx.src) && lx.src[i] == '.' {
		i++
		for i < len(lx.src) && isDigit(lx.src[i]) {
			i++
		}
	}
	if i < len(lx.src) && (lx.src[i] == 'e' || lx.src[i] == 'E') {
		j := i + 1
		if j < len(lx.src) && (lx.src[j] == '+' || lx.src[j] == '-') {
			j++
		}
		if j < len(lx.src) && isDigit(lx.src[j]) {
			i = j
			for i < len(lx.src) && isDigit(lx.src[i]) {
				i++
			}
		}
	}
	lx.emit(TokenNumber, start, i)
}

// param consumes @name, @@name and :name placeholders.
func (lx *lexer) param() {
	start := lx.pos
	i := start + 1
	for i < len(lx.src) && (lx.src[i] == '@') {
		i++
	}
	for i < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[i:])
		if !isIdentPart(r) {
			break
		}
		i += size
	}
	lx.emit(TokenParam, start, i)
}

func (lx *lexer) word() error {
	start := lx.pos
	i := start
	for i < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[i:])
		if !isIdentPart(r) {
			break
		}
		i += size
	}
	// String literal prefixes: N'..', E'..', X'..', B'..'.
	if i-start == 1 && i < len(lx.src) && lx.src[i] == '\'' {
		switch lx.src[start] {
		case 'N', 'n', 'X', 'x', 'B', 'b':
			return lx.quoted(start, i, '\'', TokenString, false)
		case 'E', 'e':
			return lx.quoted(start, i, '\'', TokenString, true)
		}
	}
	lx.emit(TokenWord, start, i)
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || isDigit(c)
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '#' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || r == '#' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
