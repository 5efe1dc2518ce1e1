package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullNotice = `Ogłoszenie o zamówieniu nr 2023/BZP 00045678
Roboty budowlane - przebudowa drogi gminnej.

SEKCJA I - ZAMAWIAJĄCY
1.1.) Nazwa zamawiającego: Gmina Przykładowo
1.2.) Adres zamawiającego: ul. Rynek 1, 00-001 Przykładowo

SEKCJA II - INFORMACJE PODSTAWOWE
2.1.) Tryb udzielenia zamówienia: tryb podstawowy bez negocjacji
2.2.) Język prowadzenia postępowania: polski

SEKCJA IV - PRZEDMIOT ZAMÓWIENIA
4.1.) Krótki opis przedmiotu zamówienia: przebudowa drogi gminnej wraz z odwodnieniem i oświetleniem
4.2.) Termin wykonania zamówienia: 12 miesięcy od dnia podpisania umowy
`

// headerlessNotice has no announcement header (the registry number lived on
// that line) and only three sub-items.
const headerlessNotice = `SEKCJA I - ZAMAWIAJĄCY
1.1.) Nazwa zamawiającego: Gmina Przykładowo
1.2.) Adres zamawiającego: ul. Rynek 1, 00-001 Przykładowo

SEKCJA IV - PRZEDMIOT ZAMÓWIENIA
4.1.) Krótki opis przedmiotu zamówienia: przebudowa drogi gminnej
`

// stripWhitespace removes every whitespace character for completeness checks.
func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestDetectCanonical(t *testing.T) {
	res := Detect(fullNotice, DefaultDetectConfig())

	assert.True(t, res.Canonical)
	assert.GreaterOrEqual(t, res.Score, 8)
	assert.True(t, res.HeaderFound)
	assert.True(t, res.RegistryFound)
	assert.ElementsMatch(t, []string{"I", "II", "IV"}, res.SectionsFound)
	assert.Equal(t, 6, res.SubitemCount)
	assert.NotContains(t, res.MissingSignals(), "announcement_header")
}

func TestDetectMissingHeader(t *testing.T) {
	res := Detect(headerlessNotice, DefaultDetectConfig())

	assert.False(t, res.Canonical)
	assert.Less(t, res.Score, 8)
	assert.False(t, res.HeaderFound)
	assert.Contains(t, res.MissingSignals(), "announcement_header")
	assert.Contains(t, res.MissingSignals(), "registry_number")
}

func TestDetectHeaderlessStaysGeneric(t *testing.T) {
	// Two required sections, five sub-items, and a registry number quoted in
	// the body. Without the announcement header the registry number no longer
	// counts, so the score stays below the threshold: 2 + 4 = 6.
	text := `SEKCJA I - ZAMAWIAJĄCY
1.1.) Nazwa zamawiającego: Gmina Przykładowo
1.2.) Adres zamawiającego: ul. Rynek 1, 00-001 Przykładowo
1.3.) Numer referencyjny: 2023/BZP 00045678

SEKCJA IV - PRZEDMIOT ZAMÓWIENIA
4.1.) Krótki opis przedmiotu zamówienia: przebudowa drogi gminnej
4.2.) Termin wykonania zamówienia: 12 miesięcy
`
	res := Detect(text, DefaultDetectConfig())

	assert.False(t, res.Canonical)
	assert.Equal(t, 6, res.Score)
	assert.False(t, res.HeaderFound)
	assert.False(t, res.RegistryFound)
	assert.Equal(t, 5, res.SubitemCount)
	assert.ElementsMatch(t, []string{"I", "IV"}, res.SectionsFound)
}

func TestDetectPlainText(t *testing.T) {
	res := Detect("An ordinary tender description with no structure at all.", DefaultDetectConfig())

	assert.False(t, res.Canonical)
	assert.Equal(t, 0, res.Score)
}

func TestChunkEmptyInput(t *testing.T) {
	c := New(100)
	assert.Nil(t, c.Chunk(""))
	assert.Nil(t, c.Chunk("   \n\t  "))
}

func TestChunkGenericBudget(t *testing.T) {
	text := "Pierwsza oferta dotyczy budowy mostu. Druga oferta dotyczy remontu szkoły podstawowej. " +
		"Trzecia oferta obejmuje dostawę sprzętu komputerowego dla urzędu. Czwarta oferta to usługi sprzątania."
	c := New(20)

	chunks := c.Chunk(text)
	require.NotEmpty(t, chunks)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, EstimateTokens(chunk), 20, "chunk over budget: %q", chunk)
	}
	assert.Equal(t, stripWhitespace(text), stripWhitespace(strings.Join(chunks, " ")))
}

func TestChunkOversizedWord(t *testing.T) {
	// A single 120-rune token cannot fit a 10-token budget; it must come
	// back whole, never split mid-token.
	long := strings.Repeat("x", 120)
	text := "short intro. " + long + " short outro."
	c := New(10)

	chunks := c.Chunk(text)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks, long)
	assert.Equal(t, stripWhitespace(text), stripWhitespace(strings.Join(chunks, " ")))
}

func TestChunkCanonicalSectionsIntact(t *testing.T) {
	// Budget large enough for every section: one chunk per section plus the
	// announcement preamble.
	c := New(1000)

	chunks := c.Chunk(fullNotice)
	require.Len(t, chunks, 4)
	assert.Contains(t, chunks[0], "Ogłoszenie o zamówieniu")
	assert.True(t, strings.HasPrefix(chunks[1], "SEKCJA I"))
	assert.True(t, strings.HasPrefix(chunks[2], "SEKCJA II"))
	assert.True(t, strings.HasPrefix(chunks[3], "SEKCJA IV"))
}

func TestChunkCanonicalSubitemSplit(t *testing.T) {
	// Tight budget forces oversized sections apart at sub-item boundaries.
	c := New(25)

	chunks := c.Chunk(fullNotice)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, EstimateTokens(chunk), 25, "chunk over budget: %q", chunk)
	}
	assert.Equal(t, stripWhitespace(fullNotice), stripWhitespace(strings.Join(chunks, " ")))

	// Sub-item markers start their own chunks rather than being cut mid-item.
	var subitemStarts int
	for _, chunk := range chunks {
		if subitemRe.MatchString(chunk) {
			subitemStarts++
		}
	}
	assert.Greater(t, subitemStarts, 0)
}

func TestChunkCompleteness(t *testing.T) {
	texts := []string{
		fullNotice,
		headerlessNotice,
		"Jedno zdanie bez kropki",
		"A. B. C. D. E. F. G. H.",
	}
	for _, text := range texts {
		for _, budget := range []int{5, 25, 1000} {
			c := New(budget)
			chunks := c.Chunk(text)
			assert.Equal(t, stripWhitespace(text), stripWhitespace(strings.Join(chunks, " ")),
				"budget %d lost content", budget)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	// Rune-based, not byte-based: Polish diacritics count once.
	assert.Equal(t, 2, EstimateTokens("zażółć"))
}
