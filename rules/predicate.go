package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Attribute is the statement property a predicate looks at.
type Attribute string

const (
	AttrDatabase Attribute = "database"
	AttrQuery    Attribute = "query"
)

// Op compares an attribute with the predicate value.
type Op string

const (
	OpEq     Op = "="
	OpNe     Op = "!="
	OpLike   Op = "like"
	OpUnlike Op = "unlike"
)

//nolint:govet // participle struct tags are grammar, not reflect tags
type predicateAST struct {
	Attr  string `@("database" | "query")`
	Op    string `@("=" | "!=" | "like" | "unlike")`
	Value string `@String`
}

var predicateLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:\\.|[^"])*"`},
	{Name: "Op", Pattern: `!=|=`},
	{Name: "Ident", Pattern: `[A-Za-z_]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var predicateParser = participle.MustBuild[predicateAST](
	participle.Lexer(predicateLexer),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
)

// Predicate is one compiled condition such as `query like "^SELECT"`.
type Predicate struct {
	Attr  Attribute
	Op    Op
	Value string
	re    *regexp.Regexp
}

// ParsePredicate compiles `<database|query> <=|!=|like|unlike> "value"`.
// like/unlike take a case-insensitive regular expression. Inside the
// quotes only \" is an escape.
func ParsePredicate(s string) (Predicate, error) {
	ast, err := predicateParser.ParseString("", s)
	if err != nil {
		return Predicate{}, fmt.Errorf("%w: %q: %v", ErrSyntax, s, err)
	}
	p := Predicate{
		Attr:  Attribute(strings.ToLower(ast.Attr)),
		Op:    Op(strings.ToLower(ast.Op)),
		Value: unquote(ast.Value),
	}
	if err := p.compile(); err != nil {
		return Predicate{}, fmt.Errorf("%q: %w", s, err)
	}
	return p, nil
}

// compile checks the attribute and operator and compiles the regular
// expression of like/unlike.
func (p *Predicate) compile() error {
	switch p.Attr {
	case AttrDatabase, AttrQuery:
	default:
		return fmt.Errorf("%w: unknown attribute %q", ErrSyntax, p.Attr)
	}
	switch p.Op {
	case OpEq, OpNe:
		p.re = nil
	case OpLike, OpUnlike:
		re, err := regexp.Compile("(?i)" + p.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		p.re = re
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrSyntax, p.Op)
	}
	return nil
}

// Matches evaluates the predicate against one statement.
func (p Predicate) Matches(db, stmt string) bool {
	subject := stmt
	if p.Attr == AttrDatabase {
		subject = db
	}
	switch p.Op {
	case OpEq:
		return subject == p.Value
	case OpNe:
		return subject != p.Value
	case OpLike:
		return p.re.MatchString(subject)
	case OpUnlike:
		return !p.re.MatchString(subject)
	}
	return false
}

func (p Predicate) String() string {
	return fmt.Sprintf(`%s %s "%s"`, p.Attr, p.Op, strings.ReplaceAll(p.Value, `"`, `\"`))
}

// unquote strips the quotes and unescapes \" only, so regular
// expressions keep their backslashes.
func unquote(s string) string {
	s = s[1 : len(s)-1]
	return strings.ReplaceAll(s, `\"`, `"`)
}
