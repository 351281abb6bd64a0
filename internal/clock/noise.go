package clock

import (
	"github.com/aquilax/go-perlin"
)

// Weather погода игрового дня
type Weather string

const (
	WeatherClear     Weather = "clear"
	WeatherOvercast  Weather = "overcast"
	WeatherDustStorm Weather = "dust_storm"
	WeatherAcidRain  Weather = "acid_rain"
)

// weatherNoise генератор погоды. Один и тот же сид даёт ту же погоду по дням,
// поэтому после загрузки сохранения погода совпадает.
type weatherNoise struct {
	noise *perlin.Perlin
}

func newWeatherNoise(seed int64) *weatherNoise {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав
	return &weatherNoise{noise: perlin.NewPerlin(alpha, beta, n, seed)}
}

// value шум для дня в диапазоне от 0 до 1
func (w *weatherNoise) value(day int) float64 {
	// в целых точках шум Перлина равен нулю, смещаемся с решётки
	x := float64(day)*0.31 + 0.13
	return (w.noise.Noise2D(x, 0.5) + 1.0) / 2.0
}

// forDay погода на игровой день
func (w *weatherNoise) forDay(day int) Weather {
	v := w.value(day)
	switch {
	case v < 0.5:
		return WeatherClear
	case v < 0.6:
		return WeatherOvercast
	case v < 0.7:
		return WeatherDustStorm
	default:
		return WeatherAcidRain
	}
}
