package authorization

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptchaIssueAndVerify(t *testing.T) {
	store := NewCaptchaStore(time.Minute)

	challenge := store.Issue()
	require.NotEmpty(t, challenge.ID)
	assert.True(t, strings.HasPrefix(challenge.ImageBase64, "data:image/"))
	assert.Equal(t, time.Minute, challenge.TTL)

	assert.False(t, store.Verify(challenge.ID, "wrong-answer"))
	assert.False(t, store.Verify("", "12345"))
	assert.False(t, store.Verify(challenge.ID, ""))
}

func TestCaptchaNilStoreAcceptsEverything(t *testing.T) {
	var store *CaptchaStore
	assert.True(t, store.Verify("anything", "anything"))
}
