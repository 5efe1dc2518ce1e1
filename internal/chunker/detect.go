package chunker

import (
	"regexp"

	"go.uber.org/zap"
)

// Canonical public-notice layout (BZP announcement): a top-level announcement
// header carrying the registry number, roman-numeral sections, and sub-items
// numbered d.d.).
var (
	headerRe   = regexp.MustCompile(`(?im)^.*OGŁOSZENIE O (ZAMÓWIENIU|KONKURSIE|ZMIANIE OGŁOSZENIA).*$`)
	sectionRe  = regexp.MustCompile(`(?m)^SEKCJA ([IVX]+)\b`)
	subitemRe  = regexp.MustCompile(`(?m)^\d+\.\d+\.\)`)
	registryRe = regexp.MustCompile(`\d{4}/BZP \d{8}`)
)

// requiredSections are the four section numerals a canonical notice always
// carries: buyer, basic information, subject of the contract, procedure.
var requiredSections = []string{"I", "II", "IV", "VIII"}

// DetectConfig holds the weights of the canonical-format heuristic.
// SectionWeight is a flat bonus granted once when at least MinSections of the
// required sections are present. The defaults are hand-tuned; they are
// configuration, not law.
type DetectConfig struct {
	HeaderWeight   int `yaml:"header_weight" mapstructure:"header_weight"`
	SectionWeight  int `yaml:"section_weight" mapstructure:"section_weight"`
	MinSections    int `yaml:"min_sections" mapstructure:"min_sections"`
	RegistryWeight int `yaml:"registry_weight" mapstructure:"registry_weight"`
	Threshold      int `yaml:"threshold" mapstructure:"threshold"`
}

// DefaultDetectConfig returns the standard heuristic weights with the
// 8-point canonical threshold.
func DefaultDetectConfig() DetectConfig {
	return DetectConfig{
		HeaderWeight:   3,
		SectionWeight:  2,
		MinSections:    2,
		RegistryWeight: 2,
		Threshold:      8,
	}
}

// DetectResult reports the heuristic score and every individual signal so a
// misclassification is diagnosable from logs alone.
type DetectResult struct {
	Canonical     bool
	Score         int
	HeaderFound   bool
	SectionsFound []string
	SubitemCount  int
	RegistryFound bool
}

// MissingSignals names the signals that did not contribute to the score.
func (r DetectResult) MissingSignals() []string {
	var missing []string
	if !r.HeaderFound {
		missing = append(missing, "announcement_header")
	}
	if len(r.SectionsFound) < len(requiredSections) {
		missing = append(missing, "required_sections")
	}
	if r.SubitemCount == 0 {
		missing = append(missing, "subitem_numbering")
	}
	if !r.RegistryFound {
		missing = append(missing, "registry_number")
	}
	return missing
}

// Detect scores text against the canonical public-notice layout and
// classifies it when the score reaches the threshold.
func Detect(text string, cfg DetectConfig) DetectResult {
	res := DetectResult{}

	headerLine := headerRe.FindString(text)
	if headerLine != "" {
		res.HeaderFound = true
		res.Score += cfg.HeaderWeight
	}

	found := map[string]bool{}
	for _, m := range sectionRe.FindAllStringSubmatch(text, -1) {
		found[m[1]] = true
	}
	for _, numeral := range requiredSections {
		if found[numeral] {
			res.SectionsFound = append(res.SectionsFound, numeral)
		}
	}
	if len(res.SectionsFound) >= cfg.MinSections {
		res.Score += cfg.SectionWeight
	}

	res.SubitemCount = len(subitemRe.FindAllString(text, -1))
	switch {
	case res.SubitemCount >= 5:
		res.Score += 4
	case res.SubitemCount >= 3:
		res.Score += 2
	case res.SubitemCount >= 1:
		res.Score++
	}

	// The registry number only counts as a signal on the announcement header
	// line itself; a BZP number quoted deeper in the body (references to
	// other notices are common) says nothing about this document's layout.
	if registryRe.MatchString(headerLine) {
		res.RegistryFound = true
		res.Score += cfg.RegistryWeight
	}

	res.Canonical = res.Score >= cfg.Threshold

	zap.L().Debug("chunker: canonical-format detection",
		zap.Int("score", res.Score),
		zap.Int("threshold", cfg.Threshold),
		zap.Bool("canonical", res.Canonical),
		zap.Bool("header", res.HeaderFound),
		zap.Strings("sections", res.SectionsFound),
		zap.Int("subitems", res.SubitemCount),
		zap.Bool("registry", res.RegistryFound),
	)
	if !res.Canonical {
		zap.L().Info("chunker: document not canonical, using generic chunking",
			zap.Int("score", res.Score),
			zap.Strings("missing_signals", res.MissingSignals()),
		)
	}

	return res
}
