package model

// Position is a geodetic location: degrees latitude/longitude and metres of
// altitude.
type Position struct {
	Lat float64
	Lon float64
	Alt float64
}

// Orientation holds attitude angles in degrees. The bridge does not model
// attitude, so published orientations are always the zero value.
type Orientation struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}
