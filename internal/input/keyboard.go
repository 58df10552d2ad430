package input

import "github.com/chronologos/gstream/internal/protocol"

// Key is a local virtual key code. The values follow the common desktop
// virtual-key space (letters and digits are their ASCII codes).
type Key uint16

const (
	KeyBackspace    Key = 0x08
	KeyTab          Key = 0x09
	KeyEnter        Key = 0x0A
	KeyShift        Key = 0x10
	KeyCtrl         Key = 0x11
	KeyAlt          Key = 0x12
	KeyEscape       Key = 0x1B
	KeySpace        Key = 0x20
	KeyPageUp       Key = 0x21
	KeyPageDown     Key = 0x22
	KeyEnd          Key = 0x23
	KeyHome         Key = 0x24
	KeyLeft         Key = 0x25
	KeyUp           Key = 0x26
	KeyRight        Key = 0x27
	KeyDown         Key = 0x28
	KeyComma        Key = 0x2C
	KeyMinus        Key = 0x2D
	KeyPeriod       Key = 0x2E
	KeySlash        Key = 0x2F
	Key0            Key = 0x30
	Key9            Key = 0x39
	KeySemicolon    Key = 0x3B
	KeyEquals       Key = 0x3D
	KeyA            Key = 0x41
	KeyZ            Key = 0x5A
	KeyOpenBracket  Key = 0x5B
	KeyBackSlash    Key = 0x5C
	KeyCloseBracket Key = 0x5D
	KeyF1           Key = 0x70
	KeyF12          Key = 0x7B
	KeyDelete       Key = 0x7F
	KeyQuote        Key = 0xDE
)

// keyPrefix is OR-ed into every key code the host receives.
const keyPrefix uint16 = 0x8000

// TranslateKey maps a local key code into the host's key space. Letters,
// digits and function keys pass through. The host expects Windows
// virtual-key codes for punctuation; Delete arrives as 0x2E and Period as
// 0xBE there, so the two are swapped relative to the local codes.
func TranslateKey(k Key) uint16 {
	code := uint16(k)
	switch k {
	case KeyDelete:
		code = 0x2E
	case KeyMinus:
		code = 0xBD
	case KeyEquals:
		code = 0xBB
	case KeyOpenBracket:
		code = 0xDB
	case KeyCloseBracket:
		code = 0xDD
	case KeyBackSlash:
		code = 0xDC
	case KeySemicolon:
		code = 0xBA
	case KeyQuote:
		code = 0xDE
	case KeyEnter:
		code = 0x0D
	case KeyComma:
		code = 0xBC
	case KeyPeriod:
		code = 0xBE
	case KeySlash:
		code = 0xBF
	}
	return keyPrefix | code&0xFF
}

// shifted holds the US-layout characters that need Shift, keyed to the
// unshifted key.
var shifted = map[rune]Key{
	'!': Key0 + 1, '@': Key0 + 2, '#': Key0 + 3, '$': Key0 + 4, '%': Key0 + 5,
	'^': Key0 + 6, '&': Key0 + 7, '*': Key0 + 8, '(': Key0 + 9, ')': Key0,
	'_': KeyMinus, '+': KeyEquals, '{': KeyOpenBracket, '}': KeyCloseBracket,
	'|': KeyBackSlash, ':': KeySemicolon, '"': KeyQuote, '<': KeyComma,
	'>': KeyPeriod, '?': KeySlash,
}

var plain = map[rune]Key{
	'\r': KeyEnter, '\n': KeyEnter, '\t': KeyTab, ' ': KeySpace,
	0x1b: KeyEscape, 0x7f: KeyBackspace, 0x08: KeyBackspace,
	'-': KeyMinus, '=': KeyEquals, '[': KeyOpenBracket, ']': KeyCloseBracket,
	'\\': KeyBackSlash, ';': KeySemicolon, '\'': KeyQuote, ',': KeyComma,
	'.': KeyPeriod, '/': KeySlash,
}

// KeyForRune resolves a typed character to a key and the modifiers needed
// to produce it on a US layout. Control characters 0x01-0x1a map to
// Ctrl+letter.
func KeyForRune(r rune) (Key, byte, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return KeyA + Key(r-'a'), 0, true
	case r >= 'A' && r <= 'Z':
		return KeyA + Key(r-'A'), protocol.ModifierShift, true
	case r >= '0' && r <= '9':
		return Key0 + Key(r-'0'), 0, true
	}
	if k, ok := plain[r]; ok {
		return k, 0, true
	}
	if k, ok := shifted[r]; ok {
		return k, protocol.ModifierShift, true
	}
	if r >= 0x01 && r <= 0x1a {
		return KeyA + Key(r-1), protocol.ModifierCtrl, true
	}
	return 0, 0, false
}
