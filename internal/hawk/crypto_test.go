package hawk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Vectors from the Hawk reference implementation's documentation.
func TestMACReferenceVectors(t *testing.T) {
	key := []byte("werxhqb98rpaxn39848xrunpaw3489ruxnpa98w4rxn")
	a := Artifacts{
		Method:    "GET",
		Host:      "example.com",
		Port:      "8000",
		Resource:  "/resource/1?b=1&a=2",
		Timestamp: 1353832234,
		Nonce:     "j4h3g2",
		Ext:       "some-app-ext-data",
	}

	t.Run("header mac without payload", func(t *testing.T) {
		assert.Equal(t, "6R4rV5iE+NPoym+WwjeHzjAGXUtLNIxmo1vpMofpLAE=", MAC(key, SHA256, kindHeader, a))
	})

	t.Run("payload hash", func(t *testing.T) {
		hash := PayloadHash(SHA256, "text/plain", []byte("Thank you for flying Hawk"))
		assert.Equal(t, "Yi9LfIIFRtBEPt74PVmbTF/xVAwPn7ub15ePICfgnuY=", hash)
	})

	t.Run("header mac with payload", func(t *testing.T) {
		withHash := a
		withHash.Method = "POST"
		withHash.Hash = "Yi9LfIIFRtBEPt74PVmbTF/xVAwPn7ub15ePICfgnuY="
		assert.Equal(t, "aSe1DERmZuRl3pI36/9BdZmnErTw3sNzOOAUlfeKjVw=", MAC(key, SHA256, kindHeader, withHash))
	})
}

func TestNormalizedString(t *testing.T) {
	a := Artifacts{
		Method:    "post",
		Host:      "Example.COM",
		Port:      "443",
		Resource:  "/api/v1/person",
		Timestamp: 10,
		Nonce:     "n",
		Ext:       "line1\nback\\slash",
	}
	expected := "hawk.1.header\n10\nn\nPOST\n/api/v1/person\nexample.com\n443\n\nline1\\nback\\\\slash\n"
	assert.Equal(t, expected, normalizedString(kindHeader, a))

	a.App = "app"
	a.Dlg = "dlg"
	assert.Equal(t, expected+"app\ndlg\n", normalizedString(kindHeader, a))
}

func TestPayloadHashIgnoresContentTypeParameters(t *testing.T) {
	plain := PayloadHash(SHA256, "application/json", []byte(`{}`))
	withParams := PayloadHash(SHA256, "Application/JSON; charset=utf-8", []byte(`{}`))
	assert.Equal(t, plain, withParams)
	assert.NotEqual(t, plain, PayloadHash(SHA1, "application/json", []byte(`{}`)))
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, alg)

	alg, err = ParseAlgorithm("SHA1")
	require.NoError(t, err)
	assert.Equal(t, SHA1, alg)

	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}
