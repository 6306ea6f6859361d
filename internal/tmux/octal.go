package tmux

// Escape encodes bytes the way control mode writes pane output: control
// bytes, DEL, backslash and anything outside ASCII become \ooo.
func Escape(data []byte) string {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b < 0x20 || b >= 0x7f || b == '\\' {
			out = append(out, '\\', '0'+(b>>6), '0'+((b>>3)&7), '0'+(b&7))
			continue
		}
		out = append(out, b)
	}
	return string(out)
}

// Unescape decodes \ooo sequences. A backslash not followed by three octal
// digits (or by a value above 0377) is kept literally.
func Unescape(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			v := int(s[i+1]-'0')<<6 | int(s[i+2]-'0')<<3 | int(s[i+3]-'0')
			if v <= 0xff {
				out = append(out, byte(v))
				i += 3
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
