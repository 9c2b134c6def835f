package ocr

// Traits summarize a document for provider selection. They are derived from
// upload metadata and the parse preflight, not from a full OCR pass.
type Traits struct {
	PageCount     int
	RasterRatio   float64
	TableMerges   int
	FormLike      bool
	CostSensitive bool
	Offline       bool
	Preferred     string
}

// Select picks a provider name from traits. First match wins:
//
//  1. an explicitly preferred, valid provider
//  2. cost-sensitive or offline documents go local
//  3. long, mostly-text documents go local
//  4. heavily rasterized documents go to textract
//  5. merged tables and form layouts go to azure
//  6. moderately rasterized documents go to textract
//  7. everything else goes to azure
//
// When mode is not "auto", mode itself names the provider.
func Select(mode string, t Traits) string {
	if mode != "" && mode != "auto" {
		return mode
	}
	switch {
	case validProvider(t.Preferred):
		return t.Preferred
	case t.CostSensitive || t.Offline:
		return ProviderTesseract
	case t.PageCount >= 40 && t.RasterRatio < 0.45:
		return ProviderTesseract
	case t.RasterRatio >= 0.6:
		return ProviderTextract
	case t.TableMerges >= 2 || t.FormLike:
		return ProviderAzure
	case t.RasterRatio >= 0.4:
		return ProviderTextract
	default:
		return ProviderAzure
	}
}

func validProvider(name string) bool {
	switch name {
	case ProviderAzure, ProviderTextract, ProviderTesseract:
		return true
	}
	return false
}
