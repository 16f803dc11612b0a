package lightcontrol

// MaxBrightness is the top of the 0-255 brightness scale Home Assistant uses
const MaxBrightness = 255

// ScaleBrightness dims nominal linearly as ambient illuminance rises from
// minLux to maxLux. At or below minLux the nominal brightness is kept; at
// or above maxLux the result is 0, meaning the lights should be off.
func ScaleBrightness(nominal int, illuminance, minLux, maxLux float64) int {
	if illuminance <= minLux {
		return nominal
	}
	if illuminance >= maxLux {
		return 0
	}

	factor := 1.0 - (illuminance-minLux)/(maxLux-minLux)
	return int(float64(nominal) * factor)
}
