package lexer

import "testing"

func TestNextTokenBasics(t *testing.T) {
	input := `local x = 1 + 2 -- comment
print(x .. "y")`

	want := []TokenType{
		LOCAL, IDENT, ASSIGN, NUMBER, PLUS, NUMBER,
		IDENT, LPAREN, IDENT, CONCAT, STRING, RPAREN,
		EOF,
	}

	l := New(input)
	for i, tt := range want {
		tok := l.NextToken()
		if tok.Type != tt {
			t.Fatalf("token %d: expected %s, got %s (%q)", i, tt, tok.Type, tok.Literal)
		}
	}
}

func TestKeywords(t *testing.T) {
	l := New("if then elseif else while do repeat until return and or not nil true false function end local")
	want := []TokenType{IF, THEN, ELSEIF, ELSE, WHILE, DO, REPEAT, UNTIL, RETURN, AND, OR, NOT, NIL, TRUE, FALSE, FUNCTION, END, LOCAL, EOF}
	for i, tt := range want {
		tok := l.NextToken()
		if tok.Type != tt {
			t.Fatalf("token %d: expected %s, got %s", i, tt, tok.Type)
		}
	}
}

func TestStringEscapes(t *testing.T) {
	l := New(`"a\nb"`)
	tok := l.NextToken()
	if tok.Type != STRING || tok.Literal != "a\nb" {
		t.Fatalf("expected STRING 'a\\nb', got %s %q", tok.Type, tok.Literal)
	}
}

func TestNumberForms(t *testing.T) {
	l := New("10 3.14 1e10 2.5e-3")
	for _, want := range []string{"10", "3.14", "1e10", "2.5e-3"} {
		tok := l.NextToken()
		if tok.Type != NUMBER || tok.Literal != want {
			t.Fatalf("expected NUMBER %q, got %s %q", want, tok.Type, tok.Literal)
		}
	}
}
