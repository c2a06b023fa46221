package geocode

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	md "wuyrush.io/locket/models"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	args := m.Called(r)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

func jsonResp(code int, v interface{}) *http.Response {
	b, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: code,
		Body:       ioutil.NopCloser(bytes.NewReader(b)),
	}
}

func newTestClient(rt http.RoundTripper) *Client {
	return NewClient(&Config{Addr: "http://fake-geocoder", RT: rt})
}

func TestLabelPrefersLocality(t *testing.T) {
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.Anything).Return(jsonResp(http.StatusOK, map[string]interface{}{
		"display_name": "1 Long Street, Brooklyn, New York, USA",
		"address":      map[string]string{"suburb": "Brooklyn", "city": "New York"},
	}), nil)
	g := newTestClient(rt)

	assert.Equal(t, "Brooklyn", g.Label(md.GeoPoint{Lat: 40.67, Lon: -73.94}))
}

func TestLabelFallsBackToDisplayName(t *testing.T) {
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.Anything).Return(jsonResp(http.StatusOK, map[string]interface{}{
		"display_name": "Somewhere remote",
	}), nil)
	g := newTestClient(rt)

	assert.Equal(t, "Somewhere remote", g.Label(md.GeoPoint{Lat: 71.0, Lon: 25.8}))
}

func TestLabelDegradesToEmpty(t *testing.T) {
	t.Run("ServiceDown", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.Anything).Return(nil, assert.AnError)
		g := newTestClient(rt)
		assert.Empty(t, g.Label(md.GeoPoint{Lat: 1, Lon: 1}))
	})

	t.Run("NonOK", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.Anything).Return(jsonResp(http.StatusTooManyRequests, map[string]string{"error": "slow down"}), nil)
		g := newTestClient(rt)
		assert.Empty(t, g.Label(md.GeoPoint{Lat: 1, Lon: 1}))
	})

	t.Run("InvalidPointSkipsCall", func(t *testing.T) {
		rt := &mockTransport{}
		g := newTestClient(rt)
		assert.Empty(t, g.Label(md.GeoPoint{Lat: 91, Lon: 0}))
		rt.AssertNotCalled(t, "RoundTrip", mock.Anything)
	})
}
