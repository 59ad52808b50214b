package transform

import (
	"bytes"
	"fmt"
)

// Builtins are the transforms available to every worker.
var Builtins = map[string]Func{
	"uppercase":      uppercase,
	"strip-comments": stripComments,
	"prefix":         prefix,
}

func uppercase(src []byte, _ map[string]any) ([]byte, error) {
	return bytes.ToUpper(src), nil
}

// prefix prepends the "text" option.
func prefix(src []byte, opts map[string]any) ([]byte, error) {
	text, ok := opts["text"].(string)
	if !ok {
		return nil, fmt.Errorf("prefix: option text must be a string, got %T", opts["text"])
	}
	out := make([]byte, 0, len(text)+len(src))
	out = append(out, text...)
	return append(out, src...), nil
}

// stripComments removes // and /* */ comments outside of string literals.
// Line comments keep their newline.
func stripComments(src []byte, _ map[string]any) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' || c == '\'' || c == '`':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				j = len(src) - 1
			}
			out = append(out, src[i:j+1]...)
			i = j
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := bytes.Index(src[i+2:], []byte("*/"))
			if end < 0 {
				return nil, fmt.Errorf("strip-comments: unterminated block comment at offset %d", i)
			}
			i += 2 + end + 1
		default:
			out = append(out, c)
		}
	}
	return out, nil
}
