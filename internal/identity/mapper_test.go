package identity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

func TestUUID_NamespacedForm(t *testing.T) {
	tests := []struct {
		id   ir.GlobalID
		want string
	}{
		{"a7f2.3c1f9a8e", "0000a7f2" + "0000000000000000" + "3c1f9a8e"},
		{"1.1", "00000001" + "000000000000000000000001"},
		{"ABCDEF01.0123-4567-89ab-cdef-0123-4567", "abcdef01" + "0123456789abcdef01234567"},
	}
	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			got, err := UUID(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, UUIDLength)
		})
	}
}

func TestUUID_LegacyForm(t *testing.T) {
	got, err := UUID("12345")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000012345", got)
	assert.Equal(t, "00000000", got[:8], "legacy ids occupy the zero namespace")
}

func TestUUID_Invalid(t *testing.T) {
	invalid := []ir.GlobalID{
		"",
		"12a45",
		"1234567890123456789012345",
		".abc",
		"0.abc",
		"000.abc",
		"123456789.abc",
		"zz.abc",
		"a.",
		"a.xyz",
		"a.0123456789abcdef0123456789",
	}
	for _, id := range invalid {
		_, err := UUID(id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
}

func TestUUID_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Equal(t, MustUUID("a7f2.3c1f-9a8e"), MustUUID("a7f2.3c1f-9a8e"))
	}
}

func TestUUID_InjectiveOverSampleDomain(t *testing.T) {
	seen := make(map[string]ir.GlobalID)
	add := func(id ir.GlobalID) {
		u := MustUUID(id)
		if prev, dup := seen[u]; dup {
			t.Fatalf("collision: %q and %q both map to %s", prev, id, u)
		}
		seen[u] = id
	}

	for ns := 1; ns <= 40; ns++ {
		for local := 0; local <= 40; local++ {
			add(ir.GlobalID(fmt.Sprintf("%x.%x", ns, local)))
		}
	}
	for n := 0; n <= 2000; n++ {
		add(ir.GlobalID(fmt.Sprintf("%d", n)))
	}
	add("ffffffff.ffffffffffffffffffffffff")
	add("999999999999999999999999")
}

func TestUUID_CaseAndPaddingNormalize(t *testing.T) {
	assert.Equal(t, MustUUID("a.f"), MustUUID("A.0F"))
	assert.Equal(t, MustUUID("a.ab-cd"), MustUUID("a.abcd"))
}

func TestMustUUIDPanics(t *testing.T) {
	assert.Panics(t, func() { MustUUID("not valid") })
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "acme", BranchName("acme", ""))
	assert.Equal(t, "acme_1.0", BranchName("acme", "1.0"))
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme", "Acme"},
		{"Müller & Söhne AG", "Muller-Sohne-AG"},
		{"  news / sports  ", "news-sports"},
		{"v1.2_beta", "v1.2_beta"},
		{"Crème brûlée", "Creme-brulee"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProjectName(tt.in), tt.in)
	}
}
