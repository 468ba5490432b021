package google

import (
	"strconv"
	"strings"
)

type rgb struct {
	r, g, b int
}

// paletteEntry はGoogleカレンダーのイベント色IDと近似RGB値の組。
type paletteEntry struct {
	id    string
	color rgb
}

// eventPalette はGoogleカレンダーのイベント色の近似パレット。
// 距離が等しい場合はこの並びで先に現れたIDを採用する。
var eventPalette = []paletteEntry{
	{"1", rgb{199, 0, 0}},
	{"2", rgb{255, 115, 0}},
	{"3", rgb{255, 213, 0}},
	{"4", rgb{0, 136, 51}},
	{"5", rgb{0, 176, 255}},
	{"6", rgb{26, 115, 232}},
	{"7", rgb{106, 27, 154}},
	{"8", rgb{233, 30, 99}},
	{"9", rgb{141, 110, 99}},
	{"10", rgb{121, 85, 72}},
	{"11", rgb{3, 155, 0}},
}

// NearestColorID は16進カラー文字列に最も近いイベント色IDを返す。
// "#"は省略可能で、3桁の短縮形は各桁を重ねて6桁に展開する。
// 空文字列や不正な値の場合はfalseを返す。
func NearestColorID(hex string) (string, bool) {
	c, ok := parseHexColor(hex)
	if !ok {
		return "", false
	}

	bestID := ""
	bestDist := -1
	for _, p := range eventPalette {
		dr := c.r - p.color.r
		dg := c.g - p.color.g
		db := c.b - p.color.b
		dist := dr*dr + dg*dg + db*db
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			bestID = p.id
		}
	}
	return bestID, true
}

func parseHexColor(hex string) (rgb, bool) {
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return rgb{}, false
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return rgb{}, false
	}
	return rgb{
		r: int(v>>16) & 0xFF,
		g: int(v>>8) & 0xFF,
		b: int(v) & 0xFF,
	}, true
}
