package frames

// FillHoles writes to dst a copy of src in which each pixel without a reading
// takes the mean of the valid pixels in its 3x3 neighbourhood. Pixels with
// fewer than minNeighbours valid neighbours stay empty. dst and src must not
// overlap.
func FillHoles(dst, src []uint16, width, height, minNeighbours int) {
	if minNeighbours < 1 {
		minNeighbours = 1
	}
	for y := 0; y < height; y++ {
		row := y * width
		for x := 0; x < width; x++ {
			v := src[row+x]
			if v != 0 {
				dst[row+x] = v
				continue
			}

			var sum, n int
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= width || (dx == 0 && dy == 0) {
						continue
					}
					if nv := src[ny*width+nx]; nv != 0 {
						sum += int(nv)
						n++
					}
				}
			}
			if n >= minNeighbours {
				dst[row+x] = uint16((sum + n/2) / n)
			} else {
				dst[row+x] = 0
			}
		}
	}
}
