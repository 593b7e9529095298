// This file is part of drgn-go.
//
// drgn-go is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// drgn-go is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with drgn-go.  If not, see <https://www.gnu.org/licenses/>.

// Package leb128 decodes the unsigned and signed LEB128 variable-width
// integer encodings used throughout DWARF.
package leb128

// DecodeULEB128 decodes an unsigned LEB128 value from the front of encoded.
// Algorithm taken from page 218 of the DWARF4 Standard, figure 46.
//
// Returns the decoded value and the number of bytes consumed. If encoded
// runs out of bytes before a terminating byte (high bit clear) is found,
// ok is false and the partial result should be discarded.
func DecodeULEB128(encoded []uint8) (value uint64, n int, ok bool) {
	var result uint64
	var shift uint64

	for _, v := range encoded {
		n++
		result |= uint64(v&0x7f) << shift
		if v&0x80 == 0x00 {
			return result, n, true
		}
		shift += 7
		if shift >= 64 {
			return result, n, false
		}
	}

	return result, n, false
}

// DecodeSLEB128 decodes a signed LEB128 value from the front of encoded.
// Algorithm taken from page 218 of the DWARF4 Standard, figure 47.
func DecodeSLEB128(encoded []uint8) (value int64, n int, ok bool) {
	const size = 64

	var result int64
	var shift uint64
	var v uint8

	for _, v = range encoded {
		n++
		result |= int64(v&0x7f) << shift
		shift += 7
		if v&0x80 == 0x00 {
			if shift < size && v&0x40 != 0 {
				result |= -(1 << shift)
			}
			return result, n, true
		}
		if shift >= size {
			return result, n, false
		}
	}

	return result, n, false
}
