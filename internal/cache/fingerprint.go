package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Fingerprint returns a SHA-256 digest over a canonical encoding of rows.
// The encoding includes the row count, each row length and every value
// rendered in fixed-precision scientific notation, so row order, row
// boundaries and values all change the result while float formatting
// quirks do not.
func Fingerprint(rows [][]float32) string {
	h := sha256.New()
	buf := make([]byte, 0, 32)

	buf = strconv.AppendInt(buf[:0], int64(len(rows)), 10)
	buf = append(buf, '|')
	h.Write(buf)
	for _, row := range rows {
		buf = strconv.AppendInt(buf[:0], int64(len(row)), 10)
		buf = append(buf, ':')
		h.Write(buf)
		for i, v := range row {
			buf = buf[:0]
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendFloat(buf, float64(v), 'e', 8, 32)
			h.Write(buf)
		}
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
