package console

// lineEscape spots ~. typed at the start of a line, which leaves the stream
// without asking the host to quit the app. A ~ at line start is kept back
// until the next key shows whether the user meant to leave; ~~ sends one ~.
//
// The first key of a stream counts as the start of a line.
type lineEscape struct {
	lineStart bool // the next key begins a line
	held      bool // a line-start ~ is waiting on the next key
}

func newLineEscape() *lineEscape {
	return &lineEscape{lineStart: true}
}

// filter appends the keys of src meant for the host to dst. leave reports
// that src contained the escape; keys after it are dropped.
func (e *lineEscape) filter(dst, src []byte) (out []byte, leave bool) {
	for _, b := range src {
		switch {
		case e.held:
			e.held = false
			if b == '.' {
				return dst, true
			}
			dst = append(dst, '~')
			if b == '~' {
				e.lineStart = false
				continue
			}
		case e.lineStart && b == '~':
			e.held = true
			continue
		}
		dst = append(dst, b)
		e.lineStart = b == '\r' || b == '\n'
	}
	return dst, false
}
