package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/synnergy-network/chainkernel/internal/capability"
	"github.com/synnergy-network/chainkernel/internal/driver"
	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/sandbox"
	"github.com/synnergy-network/chainkernel/internal/statemgr"
	"github.com/synnergy-network/chainkernel/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gs, err := globalstore.New("global", store.NewMemBackend(), 0)
	require.NoError(t, err)
	require.NoError(t, gs.RegisterNamespace("bank", false))
	mgr := statemgr.New(gs)
	host := sandbox.NewHost(capability.New(), logrus.NewEntry(logrus.New()))
	drv := driver.New(mgr, host, driver.Modules{}, "test-chain", time.Second, logrus.NewEntry(logrus.New()))
	return New(drv, mgr, "test-chain", ":0", logrus.NewEntry(logrus.New()))
}

func TestHandleInfoReturnsChainIDAndHeight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	s.handleInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "test-chain", resp.ChainID)
	require.Equal(t, uint64(0), resp.LastBlockHeight)
}

func TestHandleQueryRejectsMissingParams(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	rec := httptest.NewRecorder()
	s.handleQuery(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueryReturnsAbsentForUnknownKey(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/query?namespace=bank&key=alice", nil)
	rec := httptest.NewRecorder()
	s.handleQuery(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, false, resp["present"])
}
