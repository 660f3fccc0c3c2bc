package scripted

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFunctionSelectsExactName(t *testing.T) {
	src := `
function myfoo(r) return 1 end
function foobar(r) return 2 end
function foo(r) return r.x > 1 end
`
	code := extractFunction(src, "foo")
	assert.Equal(t, "function foo(r) return r.x > 1 end", code)
}

func TestExtractFunctionIgnoresKeywordInsideIdentifiers(t *testing.T) {
	src := `
myfunction = 1
functionfoo = 2
function foo(r) return true end
`
	code := extractFunction(src, "foo")
	assert.Equal(t, "function foo(r) return true end", code)
}

func TestExtractFunctionBalancesNestedBlocks(t *testing.T) {
	src := `
function foo(r)
  if r.x then
    for i = 1, 10 do
      r.y = i
    end
    return true
  end
  return false
end
function bar(r) return false end
`
	code := extractFunction(src, "foo")
	assert.Contains(t, code, "for i = 1, 10 do")
	assert.Contains(t, code, "return false")
	assert.NotContains(t, code, "bar")
	// The declaration ends at its own terminator.
	assert.Equal(t, "end", code[len(code)-3:])
}

func TestExtractFunctionMissing(t *testing.T) {
	src := `function other(r) return 1 end`
	assert.Empty(t, extractFunction(src, "foo"))
}

func TestExtractFunctionUnterminated(t *testing.T) {
	src := `function foo(r) if r.x then return true end`
	assert.Empty(t, extractFunction(src, "foo"))
}

func TestAnonymize(t *testing.T) {
	assert.Equal(t, "function(r) return true end", anonymize("function foo(r) return true end"))
	assert.Equal(t, "function(r) return true end", anonymize("function(r) return true end"))
	assert.Equal(t, "x > 1", anonymize("  x > 1  "))
}
