package attributedbody

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const archiveHeader = "\x04\x0bstreamtyped\x81\xe8\x03\x84\x01@\x84\x84\x84\x12NSAttributedString\x00\x84\x84\x08NSObject\x00\x85\x92\x84\x84\x84"

func TestExtractSkipsMetadataCandidate(t *testing.T) {
	blob := []byte(archiveHeader +
		"\x08NSString\x01\x94\x84\x01+streamtyped NSObject\x86\x84\x84" +
		"\x08NSString\x01\x94\x84\x01+Hello there\x86\x84\x02iI\x01\x0b\x92\x84\x84\x84\x0cNSDictionary\x00")

	text, ok := Extract(blob)
	require.True(t, ok)
	assert.Equal(t, "Hello there", text)
}

func TestExtractKeepsLongestCandidate(t *testing.T) {
	blob := []byte(archiveHeader +
		"\x08NSString\x01\x94\x84\x01+short\x86\x84" +
		"\x08NSString\x01\x94\x84\x01+a much longer message\x86\x84")

	text, ok := Extract(blob)
	require.True(t, ok)
	assert.Equal(t, "a much longer message", text)
}

func TestExtractFallsBackToDecodedString(t *testing.T) {
	// The length byte after "+" is a control character, which ends the byte
	// scan before any text is collected.
	blob := []byte(archiveHeader +
		"\x08NSString\x01\x94\x84\x01+\x0bHello there\x86\x84\x02iI\x01\x0b\x92\x84\x84\x84\x0cNSDictionary\x00\x94\x84\x01i\x01")

	text, ok := Extract(blob)
	require.True(t, ok)
	assert.Equal(t, "Hello there", text)
}

func TestExtractEmptyInput(t *testing.T) {
	_, ok := Extract(nil)
	assert.False(t, ok)

	_, ok = Extract([]byte{})
	assert.False(t, ok)

	_, ok = Extract(make([]byte, 64))
	assert.False(t, ok)
}

func TestExtractOnlyMetadata(t *testing.T) {
	blob := []byte(archiveHeader + "\x08NSString\x01\x94\x84\x01+NSDictionary\x86")
	_, ok := Extract(blob)
	assert.False(t, ok)
}

func TestExtractMultibyteText(t *testing.T) {
	blob := []byte(archiveHeader + "\x08NSString\x01\x94\x84\x01+Grüße 👋\x86\x84")
	text, ok := Extract(blob)
	require.True(t, ok)
	assert.Equal(t, "Grüße 👋", text)
}

func TestBodyText(t *testing.T) {
	blob := []byte(archiveHeader + "\x08NSString\x01\x94\x84\x01+from archive\x86")

	assert.Equal(t, "plain", BodyText("plain", blob))
	assert.Equal(t, "from archive", BodyText("", blob))
	assert.Equal(t, "", BodyText("", nil))
}

func TestSanitizeCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b\nc d", sanitize("a  b\n\n\nc\t d"))
	assert.Equal(t, "ab", sanitize("a\x01\x7f\uFFFDb\uFFFC"))
	assert.Equal(t, "", sanitize("\n\n  "))
}

func TestCleanupSlotPrefix(t *testing.T) {
	assert.Equal(t, "Emphasized hi", cleanup("+5Emphasized hi"))
	assert.Equal(t, "42", cleanup("+42"))
	assert.Equal(t, "Hello", cleanup("zz+Hello"))
}

func TestCleanupTailMarkers(t *testing.T) {
	assert.Equal(t, "Hello", cleanup("Hello iI12"))
	assert.Equal(t, "Hello", cleanup("Hello iI"))
	assert.Equal(t, "Hello", cleanup("Hello iI iI*"))
	assert.Equal(t, "Ski iIgloo", cleanup("Ski iIgloo"))
}

func TestCleanupCapsLength(t *testing.T) {
	out := cleanup(strings.Repeat("ab", 2500))
	assert.Equal(t, MaxRunes, utf8.RuneCountInString(out))
}
