package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLocalKeySetsModeAndSecret(t *testing.T) {
	id := NewLocalKey("pubkey123", "secrethex")
	require.Equal(t, ModeLocalKey, id.Mode)
	require.Equal(t, "pubkey123", id.Pubkey)
	require.Equal(t, "secrethex", id.SecretKeyHex)
	require.Nil(t, id.External)
	require.Nil(t, id.Bunker)
}

func TestNewExternalSignerSetsHandle(t *testing.T) {
	id := NewExternalSigner("pubkey123", "app.pkg", "user1")
	require.Equal(t, ModeExternalSigner, id.Mode)
	require.Equal(t, "", id.SecretKeyHex)
	require.NotNil(t, id.External)
	require.Equal(t, "app.pkg", id.External.Pkg)
}

func TestNewBunkerSignerSetsURI(t *testing.T) {
	id := NewBunkerSigner("pubkey123", "bunker://remote")
	require.Equal(t, ModeBunkerSigner, id.Mode)
	require.NotNil(t, id.Bunker)
	require.Equal(t, "bunker://remote", id.Bunker.URI)
}

func TestDestroyZeroesSensitiveFields(t *testing.T) {
	id := NewLocalKey("pubkey123", "secrethex")
	id.Destroy()
	require.Equal(t, "", id.SecretKeyHex)
	require.Nil(t, id.External)
	require.Nil(t, id.Bunker)
	require.Equal(t, "pubkey123", id.Pubkey) // pubkey survives; only secrets are zeroed
}

func TestRedactedNeverLeaksSecret(t *testing.T) {
	id := NewLocalKey("0123456789abcdef0123456789abcdef", "topsecrethex")
	r := id.Redacted()
	require.NotContains(t, r, "topsecrethex")
	require.Contains(t, r, "local_key")
}

func TestModeStringCoversAllModes(t *testing.T) {
	require.Equal(t, "local_key", ModeLocalKey.String())
	require.Equal(t, "external_signer", ModeExternalSigner.String())
	require.Equal(t, "bunker_signer", ModeBunkerSigner.String())
	require.Equal(t, "unknown", Mode(99).String())
}
