package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		action Action
		target string
		want   Decision
	}{
		{"admin publishes anything", []string{ScopeAdmin}, ActionPublish, "foo", Allow},
		{"admin reads", []string{ScopeAdmin}, ActionRead, "", Allow},
		{"admin action", []string{ScopeAdmin}, ActionAdmin, "", Allow},
		{"publish all", []string{ScopePublishAll}, ActionPublish, "bar", Allow},
		{"publish pkg exact", []string{"publish:pkg:foo"}, ActionPublish, "foo", Allow},
		{"publish pkg other", []string{"publish:pkg:foo"}, ActionPublish, "bar", Deny},
		{"publish pkg is not a prefix match", []string{"publish:pkg:foo"}, ActionPublish, "foobar", Deny},
		{"publish pkg empty target", []string{"publish:pkg:foo"}, ActionPublish, "", Deny},
		{"read all", []string{ScopeReadAll}, ActionRead, "", Allow},
		{"read all cannot publish", []string{ScopeReadAll}, ActionPublish, "foo", Deny},
		{"publish all does not imply read", []string{ScopePublishAll}, ActionRead, "", Deny},
		{"publish all is not admin", []string{ScopePublishAll}, ActionAdmin, "", Deny},
		{"no scopes", nil, ActionRead, "", Deny},
		{"mixed", []string{ScopeReadAll, "publish:pkg:foo"}, ActionPublish, "foo", Allow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authorize(tt.scopes, tt.action, tt.target))
		})
	}
}

func TestAuthorize_PackageScopeMatchesOnlyItsName(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		granted := rapid.StringMatching(`[a-z_][a-z0-9_]{0,12}`).Draw(rt, "granted")
		target := rapid.StringMatching(`[a-z_][a-z0-9_]{0,12}`).Draw(rt, "target")

		got := Authorize([]string{ScopePublishPkgPrefix + granted}, ActionPublish, target)
		if (got == Allow) != (granted == target) {
			rt.Fatalf("publish:pkg:%s on %s gave %s", granted, target, got)
		}
		if Authorize([]string{ScopeAdmin}, ActionPublish, target) != Allow {
			rt.Fatalf("admin denied on %s", target)
		}
	})
}

func TestValidateScope(t *testing.T) {
	valid := []string{"admin", "publish:all", "read:all", "publish:pkg:foo", "publish:pkg:_x1"}
	for _, s := range valid {
		assert.NoError(t, ValidateScope(s), s)
	}

	invalid := []string{"", "root", "publish:pkg:", "publish:pkg:Foo", "publish:pkg:1abc", "publish:pkg:a/b", "read:pkg:foo", "publish:*"}
	for _, s := range invalid {
		assert.Error(t, ValidateScope(s), s)
	}
}

func TestJoinAndParseScopes(t *testing.T) {
	joined, err := JoinScopes([]string{"read:all", " publish:pkg:foo", "read:all"})
	require.NoError(t, err)
	assert.Equal(t, "publish:pkg:foo,read:all", joined)
	assert.Equal(t, []string{"publish:pkg:foo", "read:all"}, ParseScopes(joined))

	_, err = JoinScopes(nil)
	assert.Error(t, err)
	_, err = JoinScopes([]string{"bogus"})
	assert.Error(t, err)

	assert.Nil(t, ParseScopes(""))
	assert.Equal(t, []string{"admin"}, ParseScopes(" admin, ,"))
}

func TestCanPublishAny(t *testing.T) {
	assert.True(t, CanPublishAny([]string{ScopeAdmin}))
	assert.True(t, CanPublishAny([]string{ScopePublishAll}))
	assert.True(t, CanPublishAny([]string{"publish:pkg:foo"}))
	assert.False(t, CanPublishAny([]string{ScopeReadAll}))
	assert.False(t, CanPublishAny(nil))
}

func TestValidPackageName(t *testing.T) {
	assert.True(t, ValidPackageName("http"))
	assert.True(t, ValidPackageName("_private"))
	assert.True(t, ValidPackageName("a1_b2"))
	assert.False(t, ValidPackageName(""))
	assert.False(t, ValidPackageName("Http"))
	assert.False(t, ValidPackageName("9lives"))
	assert.False(t, ValidPackageName("../etc"))
	assert.False(t, ValidPackageName("a-b"))
	assert.False(t, ValidPackageName(strings.Repeat("a", 65)))
}
