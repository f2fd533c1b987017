package models

// License identifies the terms a model is published under.
type License int

const (
	LicenseCC0  License = 0
	LicenseCCBY License = 1
)

var licenseNames = map[License]string{
	LicenseCC0:  "Creative Commons CC0 1.0 Universal Public Domain Dedication",
	LicenseCCBY: "Creative Commons Attribution 4.0 International",
}

func (l License) Valid() bool {
	_, ok := licenseNames[l]
	return ok
}

func (l License) String() string {
	if name, ok := licenseNames[l]; ok {
		return name
	}
	return "unknown license"
}
