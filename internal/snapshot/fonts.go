package snapshot

import "strings"

const googleFontsCSS = "https://fonts.googleapis.com/css2"

// SignatureFonts are the script families offered by the signature block.
// They are always linked because the isolated document cannot see fonts
// the editor page loaded on demand.
var SignatureFonts = []string{"Dancing Script", "Great Vibes", "Pacifico", "Satisfy"}

var genericFamilies = map[string]bool{
	"serif":         true,
	"sans-serif":    true,
	"monospace":     true,
	"cursive":       true,
	"fantasy":       true,
	"system-ui":     true,
	"ui-serif":      true,
	"ui-sans-serif": true,
	"ui-monospace":  true,
	"ui-rounded":    true,
	"emoji":         true,
	"math":          true,
	"fangsong":      true,
	"inherit":       true,
	"initial":       true,
}

// systemFamilies ship with the OS and are not served by the web-font CDN.
var systemFamilies = map[string]bool{
	"-apple-system":      true,
	"blinkmacsystemfont": true,
	"segoe ui":           true,
	"arial":              true,
	"helvetica":          true,
	"helvetica neue":     true,
	"times":              true,
	"times new roman":    true,
	"georgia":            true,
	"verdana":            true,
	"tahoma":             true,
	"trebuchet ms":       true,
	"courier":            true,
	"courier new":        true,
	"apple color emoji":  true,
	"segoe ui emoji":     true,
}

// RootFontFamily returns the first family of a computed font-family value,
// unquoted. It returns "" when the list is empty.
func RootFontFamily(fontFamily string) string {
	first, _, _ := strings.Cut(fontFamily, ",")
	first = strings.TrimSpace(first)
	first = strings.Trim(first, `"'`)
	return strings.TrimSpace(first)
}

// NeedsWebFont reports whether family has to be fetched from the web-font CDN.
func NeedsWebFont(family string) bool {
	if family == "" {
		return false
	}
	key := strings.ToLower(family)
	return !genericFamilies[key] && !systemFamilies[key]
}

// fontLinks returns the stylesheet URLs for the root family and the
// signature families, root first.
func fontLinks(fontFamily string) []string {
	var links []string
	if family := RootFontFamily(fontFamily); NeedsWebFont(family) {
		links = append(links, fontURL(family+":wght@400;500;600;700"))
	}
	links = append(links, fontURL(SignatureFonts...))
	return links
}

func fontURL(families ...string) string {
	q := make([]string, 0, len(families)+1)
	for _, f := range families {
		q = append(q, "family="+strings.ReplaceAll(f, " ", "+"))
	}
	q = append(q, "display=swap")
	return googleFontsCSS + "?" + strings.Join(q, "&")
}
