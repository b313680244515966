package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xpose/xpose/internal/edgesession"
)

func Test_bare_domain_forwards_to_external_handler(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	external := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rt := NewRouter("xpose.dev", store, external)

	req := httptest.NewRequest(http.MethodGet, "http://xpose.dev/pricing", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
}

func Test_bare_domain_404s_without_external_handler(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://xpose.dev/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_www_redirects_to_bare_domain(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://www.xpose.dev/docs?x=1", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "https://xpose.dev/docs?x=1", rec.Header().Get("Location"))
}

func Test_unknown_host_suffix_404s(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://evil.example.com/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_invalid_subdomain_label_404s(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://-bad-.xpose.dev/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_subdomain_request_with_no_agent_returns_502(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://abc.xpose.dev/api/health", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, 1, store.Size())
}

func Test_control_upgrade_path_requires_websocket_upgrade(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://abc.xpose.dev/_tunnel/connect", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func Test_subdomain_lookup_is_case_insensitive_on_host(t *testing.T) {
	store := edgesession.NewStore("xpose.dev")
	rt := NewRouter("xpose.dev", store, nil)

	req := httptest.NewRequest(http.MethodGet, "http://ABC.XPOSE.DEV/x", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}
