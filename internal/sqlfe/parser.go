package sqlfe

import (
	"strconv"
	"strings"

	"github.com/p8db/p8core/internal/perr"
	"github.com/p8db/p8core/internal/predicate"
)

// Similarity is the parsed `<field>.cosine("text")` /
// `<field>.inner_product("text")` form (spec §4.8).
type Similarity struct {
	Field     string
	Kind      string // "cosine" or "inner_product"
	QueryText string
}

// Query is the parsed statement: a schema, a projection, an optional
// similarity clause, an optional residual predicate, sort keys, and
// offset/limit (spec §4.8, feeding C9's planner).
type Query struct {
	Star       bool
	Projection []string
	Schema     string
	Similarity *Similarity
	Where      predicate.Predicate
	OrderBy    []predicate.SortKey
	Limit      int // 0 means unset
	Offset     int
}

// Parser is a recursive-descent parser over Lexer tokens, following the
// same current/peeked single-token-lookahead shape as its grounding
// source (steveyegge-beads/internal/query/parser.go).
type Parser struct {
	lexer   *Lexer
	current Token
	peeked  *Token
}

func NewParser(input string) *Parser { return &Parser{lexer: NewLexer(input)} }

// Parse parses a full `SELECT ... FROM ... [WHERE ...] [ORDER BY ...]
// [LIMIT n] [OFFSET n]` statement.
func Parse(input string) (*Query, error) {
	return NewParser(input).Parse()
}

func (p *Parser) Parse() (*Query, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}

	if err := p.expect(TokenSelect); err != nil {
		return nil, err
	}
	q := &Query{}
	if err := p.parseProjection(q); err != nil {
		return nil, err
	}
	if err := p.expect(TokenFrom); err != nil {
		return nil, err
	}
	if p.current.Type != TokenIdent {
		return nil, parseErr(p.current, "schema name")
	}
	q.Schema = p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.current.Type == TokenWhere {
		if err := p.advance(); err != nil {
			return nil, err
		}
		sim, where, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		q.Similarity = sim
		q.Where = where
	}

	if p.current.Type == TokenOrder {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(TokenBy); err != nil {
			return nil, err
		}
		if p.current.Type != TokenIdent {
			return nil, parseErr(p.current, "field name")
		}
		key := predicate.SortKey{Field: p.current.Value}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.current.Type == TokenAsc {
			if err := p.advance(); err != nil {
				return nil, err
			}
		} else if p.current.Type == TokenDesc {
			key.Desc = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		q.OrderBy = append(q.OrderBy, key)
	}

	if p.current.Type == TokenLimit {
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		q.Limit = n
	}

	if p.current.Type == TokenOffset {
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		q.Offset = n
	}

	if p.current.Type != TokenEOF {
		return nil, parseErr(p.current, "end of query")
	}
	return q, nil
}

func (p *Parser) parseProjection(q *Query) error {
	if p.current.Type == TokenStar {
		q.Star = true
		return p.advance()
	}
	for {
		if p.current.Type != TokenIdent {
			return parseErr(p.current, "projected field or '*'")
		}
		q.Projection = append(q.Projection, p.current.Value)
		if err := p.advance(); err != nil {
			return err
		}
		if p.current.Type != TokenComma {
			break
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

// parseWhere detects the similarity form before falling back to the
// §4.7 predicate algebra (spec §4.8: "WHERE may instead be a single
// form ... WHERE <similarity> AND <pred> form SHOULD be supported").
func (p *Parser) parseWhere() (*Similarity, predicate.Predicate, error) {
	if p.current.Type == TokenIdent {
		if field, kind, ok := splitSimilaritySuffix(p.current.Value); ok {
			if next, err := p.peek(); err == nil && next.Type == TokenLParen {
				sim, err := p.parseSimilarityCall(field, kind)
				if err != nil {
					return nil, nil, err
				}
				if p.current.Type == TokenAnd {
					if err := p.advance(); err != nil {
						return nil, nil, err
					}
					residual, err := p.parseOr()
					if err != nil {
						return nil, nil, err
					}
					return sim, residual, nil
				}
				return sim, nil, nil
			}
		}
	}
	pred, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}
	return nil, pred, nil
}

func splitSimilaritySuffix(field string) (base, kind string, ok bool) {
	for _, suffix := range []string{".cosine", ".inner_product"} {
		if strings.HasSuffix(field, suffix) {
			return strings.TrimSuffix(field, suffix), strings.TrimPrefix(suffix, "."), true
		}
	}
	return "", "", false
}

func (p *Parser) parseSimilarityCall(field, kind string) (*Similarity, error) {
	if err := p.advance(); err != nil { // consume the field.kind ident
		return nil, err
	}
	if err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	if p.current.Type != TokenString {
		return nil, parseErr(p.current, "quoted query text")
	}
	text := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return &Similarity{Field: field, Kind: kind, QueryText: text}, nil
}

func (p *Parser) parseOr() (predicate.Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := predicate.Or{left}
	for p.current.Type == TokenOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return terms, nil
}

func (p *Parser) parseAnd() (predicate.Predicate, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	terms := predicate.And{left}
	for p.current.Type == TokenAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return terms, nil
}

func (p *Parser) parseNot() (predicate.Predicate, error) {
	if p.current.Type == TokenNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return predicate.Not{Inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (predicate.Predicate, error) {
	if p.current.Type == TokenLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return node, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (predicate.Predicate, error) {
	if p.current.Type != TokenIdent {
		return nil, parseErr(p.current, "field name")
	}
	field := p.current.Value
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.current.Type == TokenIn {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(TokenLParen); err != nil {
			return nil, err
		}
		var values []any
		for {
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.current.Type != TokenComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return predicate.In{Field: field, Values: values}, nil
	}

	opTok := p.current.Type
	if err := p.advance(); err != nil {
		return nil, err
	}
	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	switch opTok {
	case TokenEq:
		return predicate.Eq{Field: field, Value: value}, nil
	case TokenNeq:
		return predicate.Ne{Field: field, Value: value}, nil
	case TokenLt:
		return predicate.Lt{Field: field, Value: value}, nil
	case TokenLte:
		return predicate.Lte{Field: field, Value: value}, nil
	case TokenGt:
		return predicate.Gt{Field: field, Value: value}, nil
	case TokenGte:
		return predicate.Gte{Field: field, Value: value}, nil
	default:
		return nil, &perr.ParseError{Pos: p.current.Pos, Expected: "comparison operator or IN", Got: p.current.Value}
	}
}

func (p *Parser) parseValue() (any, error) {
	tok := p.current
	var v any
	switch tok.Type {
	case TokenString:
		v = tok.Value
	case TokenNumber:
		f, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, &perr.ParseError{Pos: tok.Pos, Expected: "number", Got: tok.Value}
		}
		v = f
	case TokenTrue:
		v = true
	case TokenFalse:
		v = false
	case TokenNull:
		v = nil
	default:
		return nil, parseErr(tok, "string, number, TRUE, FALSE, or NULL")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return v, nil
}

func (p *Parser) parseIntLiteral() (int, error) {
	if p.current.Type != TokenNumber {
		return 0, parseErr(p.current, "integer")
	}
	n, err := strconv.Atoi(p.current.Value)
	if err != nil {
		return 0, &perr.ParseError{Pos: p.current.Pos, Expected: "integer", Got: p.current.Value}
	}
	if err := p.advance(); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Parser) advance() error {
	if p.peeked != nil {
		p.current = *p.peeked
		p.peeked = nil
		return nil
	}
	tok, err := p.lexer.NextToken()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

func (p *Parser) peek() (Token, error) {
	if p.peeked != nil {
		return *p.peeked, nil
	}
	tok, err := p.lexer.NextToken()
	if err != nil {
		return Token{}, err
	}
	p.peeked = &tok
	return tok, nil
}

func (p *Parser) expect(tt TokenType) error {
	if p.current.Type != tt {
		return parseErr(p.current, tt.String())
	}
	return p.advance()
}

func parseErr(got Token, expected string) error {
	return &perr.ParseError{Pos: got.Pos, Expected: expected, Got: got.Value}
}
