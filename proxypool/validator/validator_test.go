package validator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

func proxyFor(t *testing.T, srv *httptest.Server) model.Proxy {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return model.Proxy{Scheme: "http", Host: host, Port: port}
}

func TestValidateAcceptsWorkingProxy(t *testing.T) {
	// 对任何请求都回 200 的正向代理
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New([]string{"http://probe.test/ok"}, 2*time.Second, 4)
	valid := v.Validate(context.Background(), []model.Proxy{proxyFor(t, srv)})
	require.Len(t, valid, 1)
}

func TestValidateRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	v := New([]string{"http://probe.test/ok"}, 2*time.Second, 4)
	valid := v.Validate(context.Background(), []model.Proxy{proxyFor(t, srv)})
	require.Empty(t, valid)
}

func TestValidateAnyProbeSuffices(t *testing.T) {
	// 第一个探测地址失败，第二个成功
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "bad.test" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New([]string{"http://bad.test/probe", "http://good.test/probe"}, 2*time.Second, 4)
	valid := v.Validate(context.Background(), []model.Proxy{proxyFor(t, srv)})
	require.Len(t, valid, 1)
}

func TestValidateTimeoutTreatedAsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New([]string{"http://probe.test/ok"}, 100*time.Millisecond, 4)
	valid := v.Validate(context.Background(), []model.Proxy{proxyFor(t, srv)})
	require.Empty(t, valid, "probe timeout means invalid, not an error")
}

func TestValidateMixedBatch(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	candidates := []model.Proxy{
		proxyFor(t, good),
		{Scheme: "http", Host: "127.0.0.1", Port: 1}, // nothing listens
	}

	v := New([]string{"http://probe.test/ok"}, time.Second, 2)
	valid := v.Validate(context.Background(), candidates)
	require.Len(t, valid, 1)
	require.Equal(t, candidates[0], valid[0])
}

func TestValidateEmptyInput(t *testing.T) {
	v := New(nil, time.Second, 0)
	require.Empty(t, v.Validate(context.Background(), nil))
}
