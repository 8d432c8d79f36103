package containername

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"My Project!!":     "my-project",
		"foo_bar.baz":      "foo-bar-baz",
		"--leading-trail-": "leading-trail",
		"already-clean":    "already-clean",
		"CAPS123":          "caps123",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "Sanitize(%q)", in)
	}
}

func TestResolveNoCollision(t *testing.T) {
	name := Resolve("/home/user/projects/my-app", nil)
	assert.Equal(t, "boxctl-my-app", name)
}

func TestResolveSamePathReusesName(t *testing.T) {
	existing := []ExistingContainer{{Name: "boxctl-my-app", OriginPath: "/home/user/projects/my-app"}}
	name := Resolve("/home/user/projects/my-app", existing)
	assert.Equal(t, "boxctl-my-app", name, "same origin path should not trigger the collision escape")
}

func TestResolveCollisionAppendsHash(t *testing.T) {
	existing := []ExistingContainer{{Name: "boxctl-my-app", OriginPath: "/home/user/other/my-app"}}
	name := Resolve("/home/user/projects/my-app", existing)

	assert.NotEqual(t, "boxctl-my-app", name)
	assert.Regexp(t, `^boxctl-my-app-[0-9a-f]{8}$`, name)
}

func TestResolveCollisionIsStable(t *testing.T) {
	existing := []ExistingContainer{{Name: "boxctl-my-app", OriginPath: "/other"}}
	a := Resolve("/home/user/projects/my-app", existing)
	b := Resolve("/home/user/projects/my-app", existing)
	assert.Equal(t, a, b)
}

func TestExtractProjectNameRoundTrip(t *testing.T) {
	name := Resolve("/home/user/projects/my-app", nil)
	assert.Equal(t, "my-app", ExtractProjectName(name))
}

func TestExtractProjectNameStripsHashSuffix(t *testing.T) {
	existing := []ExistingContainer{{Name: "boxctl-my-app", OriginPath: "/other"}}
	name := Resolve("/home/user/projects/my-app", existing)
	assert.Equal(t, "my-app", ExtractProjectName(name))
}

func TestResolveTrailingSlash(t *testing.T) {
	name := Resolve("/home/user/projects/my-app/", nil)
	assert.Equal(t, "boxctl-my-app", name)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("boxctl-my-app"))
	assert.NoError(t, Validate("boxctl-my-app-deadbeef"))
	assert.Error(t, Validate("my-app"))
	assert.Error(t, Validate("boxctl-"))
}
