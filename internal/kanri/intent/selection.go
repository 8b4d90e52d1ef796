package intent

import (
	"strconv"
	"strings"
)

// maxRangeSpan bounds how many numbers a single "a-b" token may expand to.
const maxRangeSpan = 100

var ordinals = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var fillers = map[string]bool{"and": true, "i": true, "oraz": true}

var separators = strings.NewReplacer(",", " ", ";", " ", "&", " ")

// ParseSelection recognises text made only of selection numbers: integers,
// ranges such as "1-3" and English ordinals "first" to "tenth", separated by
// spaces, commas, semicolons, "&", "and", "i" or "oraz". It reports false when
// any token is something else or no number is present.
func ParseSelection(text string) ([]int, bool) {
	var out []int
	for _, tok := range selectionTokens(text) {
		if fillers[tok] {
			continue
		}
		nums, ok := selectionToken(tok)
		if !ok {
			return nil, false
		}
		out = append(out, nums...)
	}
	return out, len(out) > 0
}

// LooseSelection is used while a disambiguation is pending. It accepts text
// that starts with a number and is mostly numbers, so "2 please" or
// "1, foo, 3" still select. Tokens that are not numbers are kept as 0, which
// never matches a candidate and is reported back as ignored.
func LooseSelection(text string) ([]int, bool) {
	toks := selectionTokens(text)
	var (
		out           []int
		numeric, rest int
	)
	for i, tok := range toks {
		if fillers[tok] {
			continue
		}
		nums, ok := selectionToken(tok)
		if !ok {
			if i == 0 {
				return nil, false
			}
			rest++
			out = append(out, 0)
			continue
		}
		numeric++
		out = append(out, nums...)
	}
	if numeric == 0 || numeric < rest {
		return nil, false
	}
	return out, true
}

func selectionTokens(text string) []string {
	return strings.Fields(strings.ToLower(separators.Replace(text)))
}

func selectionToken(tok string) ([]int, bool) {
	tok = strings.TrimSuffix(tok, ".")
	if n, ok := ordinals[tok]; ok {
		return []int{n}, true
	}
	if n, err := strconv.Atoi(tok); err == nil {
		return []int{n}, true
	}
	lo, hi, found := strings.Cut(tok, "-")
	if !found {
		return nil, false
	}
	a, errA := strconv.Atoi(lo)
	b, errB := strconv.Atoi(hi)
	if errA != nil || errB != nil || a < 0 || b < 0 {
		return nil, false
	}
	if a > b {
		a, b = b, a
	}
	if b-a >= maxRangeSpan {
		return nil, false
	}
	out := make([]int, 0, b-a+1)
	for n := a; n <= b; n++ {
		out = append(out, n)
	}
	return out, true
}
