package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5551234567", NormalizePhone("+1 (555) 123-4567"))
	assert.Equal(t, "5551234567", NormalizePhone("5551234567"))
	assert.Equal(t, "5551234567", NormalizePhone("15551234567"))
	assert.Equal(t, "2079460958", NormalizePhone("+44 20 7946 0958"))
	assert.Equal(t, "12345", NormalizePhone("12345"))
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, "5551234567", Canonical("+15551234567"))
	assert.Equal(t, "5551234567", Canonical("tel:+15551234567"))
	assert.Equal(t, "alice@example.com", Canonical("Alice@Example.com"))
	assert.Equal(t, "alice@example.com", Canonical("mailto:alice@example.com"))
	assert.Equal(t, "", Canonical("  "))
}

func TestSame(t *testing.T) {
	assert.True(t, Same("+15551234567", "(555) 123-4567"))
	assert.True(t, Same("BOB@example.com", "bob@EXAMPLE.com"))
	assert.False(t, Same("+15551234567", "+15551234568"))
	assert.False(t, Same("", ""))
}

func TestURI(t *testing.T) {
	assert.Equal(t, "tel:+15551234567", URI("5551234567"))
	assert.Equal(t, "tel:+15551234567", URI("+1 555 123 4567"))
	assert.Equal(t, "tel:+15551234567", URI("tel:15551234567"))
	assert.Equal(t, "tel:12345", URI("tel:12345"))
	assert.Equal(t, "mailto:alice@example.com", URI("Alice@Example.com"))
	assert.Equal(t, "mailto:alice@example.com", URI("mailto:ALICE@example.com"))
	assert.Equal(t, "chat123", URI("chat123"))
}

func TestFormatPhone(t *testing.T) {
	assert.Equal(t, "+1 (555) 123-4567", FormatPhone("15551234567"))
	assert.Equal(t, "12345", FormatPhone("12345"))
	assert.Equal(t, []string{"+15551234567", "15551234567", "5551234567"}, PhoneVariants("(555) 123-4567"))
}

func TestLooksUnresolved(t *testing.T) {
	assert.True(t, LooksUnresolved("+1 (555) 123-4567"))
	assert.True(t, LooksUnresolved("alice@example.com"))
	assert.False(t, LooksUnresolved("Alice"))
	assert.False(t, LooksUnresolved(""))
}

func TestDirectoryRelated(t *testing.T) {
	dir := NewDirectory(Contact{
		Name:        "Alice",
		Identifiers: []string{"+1 555 123 4567", "Alice@Example.com"},
	})

	assert.Equal(t, []string{"5551234567", "alice@example.com"}, dir.Related("5551234567"))
	assert.Equal(t, []string{"5559999999"}, dir.Related("+15559999999"))
	assert.Equal(t, "Alice", dir.DisplayName("alice@example.com"))
	assert.Equal(t, "+1 (555) 999-9999", dir.DisplayName("+15559999999"))
	assert.Equal(t, "bob@example.com", dir.DisplayName("bob@example.com"))
	assert.Equal(t, 2, dir.Len())
}

func TestParenthesizedPhone(t *testing.T) {
	assert.True(t, IsPhoneNumber("(555) 123-4567"))
	assert.True(t, IsPhoneNumber("555.123.4567"))
	assert.False(t, IsPhoneNumber("(12)"))
	assert.False(t, IsPhoneNumber("(-) -- --"))
	assert.Equal(t, "5551234567", Canonical("(555) 123-4567"))
	assert.True(t, Same("(555) 123-4567", "+15551234567"))

	dir := NewDirectory(Contact{Name: "Ann", Identifiers: []string{"(555) 123-4567", "ann@example.com"}})
	assert.Equal(t, "Ann", dir.Name("+15551234567"))
	assert.Equal(t, []string{"5551234567", "ann@example.com"}, dir.Related("tel:+15551234567"))
}

func TestDirectoryRelatedOverlapping(t *testing.T) {
	dir := NewDirectory(
		Contact{Name: "Bob (work)", Identifiers: []string{"bob@work.example", "+15550001111"}},
		Contact{Name: "Bob", Identifiers: []string{"+15550001111", "bob@home.example"}},
	)
	want := []string{"5550001111", "bob@home.example", "bob@work.example"}
	assert.Equal(t, want, dir.Related("bob@work.example"))
	assert.Equal(t, want, dir.Related("bob@home.example"))
	assert.Equal(t, want, dir.Related("+1 555 000 1111"))
}

func TestNilDirectory(t *testing.T) {
	var dir *Directory
	assert.Equal(t, 0, dir.Len())
	assert.Equal(t, "", dir.Name("+15551234567"))
	assert.Equal(t, []string{"5551234567"}, dir.Related("+15551234567"))
}
