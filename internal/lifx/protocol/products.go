package protocol

import "strings"

// VendorLIFX is the only vendor id devices report.
const VendorLIFX uint32 = 1

// VendorName resolves a vendor id; unknown ids return "".
func VendorName(id uint32) string {
	if id == VendorLIFX {
		return "LIFX"
	}
	return ""
}

// Feature is one optional device capability.
type Feature uint16

const (
	FeatureColor Feature = 1 << iota
	FeatureInfrared
	FeatureMultizone
	FeatureTileEffects
	FeatureHEV
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureColor, "color"},
	{FeatureInfrared, "infrared"},
	{FeatureMultizone, "multizone"},
	{FeatureTileEffects, "tile_effects"},
	{FeatureHEV, "hev"},
}

// Features is the capability set and white range of a product.
type Features struct {
	Flags     Feature
	MinKelvin uint16
	MaxKelvin uint16
}

// Has reports whether every bit of f is supported.
func (fs Features) Has(f Feature) bool {
	return fs.Flags&f == f
}

// Names lists the supported capabilities.
func (fs Features) Names() []string {
	var names []string
	for _, fn := range featureNames {
		if fs.Has(fn.f) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (fs Features) String() string {
	return strings.Join(fs.Names(), ",")
}

// ClampKelvin limits k to the product's white range.
func (fs Features) ClampKelvin(k uint16) uint16 {
	if fs.MinKelvin != 0 && k < fs.MinKelvin {
		return fs.MinKelvin
	}
	if fs.MaxKelvin != 0 && k > fs.MaxKelvin {
		return fs.MaxKelvin
	}
	return k
}

// Product is an entry of the static product table.
type Product struct {
	VendorID uint32
	ID       uint32
	Name     string
	Features Features
}

// VendorName resolves the product's vendor.
func (p Product) VendorName() string {
	return VendorName(p.VendorID)
}

func color(min, max uint16, extra Feature) Features {
	return Features{Flags: FeatureColor | extra, MinKelvin: min, MaxKelvin: max}
}

func white(min, max uint16) Features {
	return Features{MinKelvin: min, MaxKelvin: max}
}

var products = map[uint32]Product{}

func init() {
	for _, p := range []Product{
		{ID: 1, Name: "LIFX Original 1000", Features: color(2500, 9000, 0)},
		{ID: 3, Name: "LIFX Color 650", Features: color(2500, 9000, 0)},
		{ID: 10, Name: "LIFX White 800 (Low Voltage)", Features: white(2700, 6500)},
		{ID: 11, Name: "LIFX White 800 (High Voltage)", Features: white(2700, 6500)},
		{ID: 15, Name: "LIFX Color 1000", Features: color(2500, 9000, 0)},
		{ID: 18, Name: "LIFX White 900 BR30 (Low Voltage)", Features: white(2500, 9000)},
		{ID: 19, Name: "LIFX White 900 BR30 (High Voltage)", Features: white(2500, 9000)},
		{ID: 20, Name: "LIFX Color 1000 BR30", Features: color(2500, 9000, 0)},
		{ID: 22, Name: "LIFX Color 1000", Features: color(2500, 9000, 0)},
		{ID: 27, Name: "LIFX A19", Features: color(2500, 9000, 0)},
		{ID: 28, Name: "LIFX BR30", Features: color(2500, 9000, 0)},
		{ID: 29, Name: "LIFX A19 Night Vision", Features: color(2500, 9000, FeatureInfrared)},
		{ID: 30, Name: "LIFX BR30 Night Vision", Features: color(2500, 9000, FeatureInfrared)},
		{ID: 31, Name: "LIFX Z", Features: color(2500, 9000, FeatureMultizone)},
		{ID: 32, Name: "LIFX Z", Features: color(2500, 9000, FeatureMultizone)},
		{ID: 36, Name: "LIFX Downlight", Features: color(2500, 9000, 0)},
		{ID: 37, Name: "LIFX Downlight", Features: color(2500, 9000, 0)},
		{ID: 38, Name: "LIFX Beam", Features: color(2500, 9000, FeatureMultizone)},
		{ID: 43, Name: "LIFX A19", Features: color(2500, 9000, 0)},
		{ID: 44, Name: "LIFX BR30", Features: color(2500, 9000, 0)},
		{ID: 45, Name: "LIFX A19 Night Vision", Features: color(2500, 9000, FeatureInfrared)},
		{ID: 46, Name: "LIFX BR30 Night Vision", Features: color(2500, 9000, FeatureInfrared)},
		{ID: 49, Name: "LIFX Mini Color", Features: color(2500, 9000, 0)},
		{ID: 50, Name: "LIFX Mini Day and Dusk", Features: white(1500, 4000)},
		{ID: 51, Name: "LIFX Mini White", Features: white(2700, 2700)},
		{ID: 52, Name: "LIFX GU10", Features: color(2500, 9000, 0)},
		{ID: 55, Name: "LIFX Tile", Features: color(2500, 9000, FeatureTileEffects)},
		{ID: 57, Name: "LIFX Candle", Features: color(1500, 9000, FeatureTileEffects)},
		{ID: 59, Name: "LIFX Mini Color", Features: color(2500, 9000, 0)},
		{ID: 60, Name: "LIFX Mini Day and Dusk", Features: white(1500, 4000)},
		{ID: 61, Name: "LIFX Mini White", Features: white(2700, 2700)},
		{ID: 62, Name: "LIFX A19", Features: color(2500, 9000, 0)},
		{ID: 63, Name: "LIFX BR30", Features: color(2500, 9000, 0)},
		{ID: 64, Name: "LIFX A19 Night Vision", Features: color(2500, 9000, FeatureInfrared)},
		{ID: 65, Name: "LIFX BR30 Night Vision", Features: color(2500, 9000, FeatureInfrared)},
		{ID: 68, Name: "LIFX Candle", Features: color(1500, 9000, FeatureTileEffects)},
		{ID: 81, Name: "LIFX Candle White to Warm", Features: white(2200, 6500)},
		{ID: 82, Name: "LIFX Filament Clear", Features: white(2100, 2100)},
		{ID: 85, Name: "LIFX Filament Amber", Features: white(2000, 2000)},
		{ID: 87, Name: "LIFX Mini White", Features: white(2700, 2700)},
		{ID: 88, Name: "LIFX Mini White", Features: white(2700, 2700)},
		{ID: 90, Name: "LIFX Clean", Features: color(1500, 9000, FeatureHEV)},
		{ID: 91, Name: "LIFX Color", Features: color(1500, 9000, 0)},
		{ID: 92, Name: "LIFX Color", Features: color(1500, 9000, 0)},
		{ID: 94, Name: "LIFX BR30", Features: color(1500, 9000, 0)},
		{ID: 96, Name: "LIFX Candle White to Warm", Features: white(2200, 6500)},
		{ID: 97, Name: "LIFX A19", Features: color(1500, 9000, 0)},
		{ID: 98, Name: "LIFX BR30", Features: color(1500, 9000, 0)},
		{ID: 99, Name: "LIFX Clean", Features: color(1500, 9000, FeatureHEV)},
		{ID: 100, Name: "LIFX Filament Clear", Features: white(2100, 2100)},
		{ID: 101, Name: "LIFX Filament Amber", Features: white(2000, 2000)},
		{ID: 109, Name: "LIFX A19 Night Vision", Features: color(1500, 9000, FeatureInfrared)},
		{ID: 110, Name: "LIFX BR30 Night Vision", Features: color(1500, 9000, FeatureInfrared)},
		{ID: 111, Name: "LIFX A19 Night Vision", Features: color(1500, 9000, FeatureInfrared)},
		{ID: 112, Name: "LIFX BR30 Night Vision Intl", Features: color(1500, 9000, FeatureInfrared)},
		{ID: 113, Name: "LIFX Mini WW US", Features: white(1500, 9000)},
		{ID: 114, Name: "LIFX Mini WW Intl", Features: white(1500, 9000)},
		{ID: 117, Name: "LIFX Z US", Features: color(1500, 9000, FeatureMultizone)},
		{ID: 118, Name: "LIFX Z Intl", Features: color(1500, 9000, FeatureMultizone)},
		{ID: 119, Name: "LIFX Beam US", Features: color(1500, 9000, FeatureMultizone)},
		{ID: 120, Name: "LIFX Beam Intl", Features: color(1500, 9000, FeatureMultizone)},
		{ID: 123, Name: "LIFX Color US", Features: color(1500, 9000, 0)},
		{ID: 124, Name: "LIFX Colour Intl", Features: color(1500, 9000, 0)},
		{ID: 125, Name: "LIFX White to Warm US", Features: white(1500, 9000)},
		{ID: 126, Name: "LIFX White to Warm Intl", Features: white(1500, 9000)},
		{ID: 127, Name: "LIFX White US", Features: white(2700, 2700)},
		{ID: 128, Name: "LIFX White Intl", Features: white(2700, 2700)},
		{ID: 135, Name: "LIFX GU10 Color US", Features: color(1500, 9000, 0)},
		{ID: 136, Name: "LIFX GU10 Colour Intl", Features: color(1500, 9000, 0)},
		{ID: 137, Name: "LIFX Candle Color US", Features: color(1500, 9000, FeatureTileEffects)},
		{ID: 138, Name: "LIFX Candle Colour Intl", Features: color(1500, 9000, FeatureTileEffects)},
	} {
		p.VendorID = VendorLIFX
		products[p.ID] = p
	}
}

// LookupProduct resolves a product id. The second result is false for
// unknown vendors and products.
func LookupProduct(vendor, id uint32) (Product, bool) {
	if vendor != VendorLIFX {
		return Product{}, false
	}
	p, ok := products[id]
	return p, ok
}
