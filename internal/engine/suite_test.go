package engine_test

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/testutils"
	"github.com/srg/bleterm/internal/transport"
)

const (
	waitTimeout  = 2 * time.Second
	waitInterval = 5 * time.Millisecond
)

// engineSuiteBase wires an engine over the scripted mock transport and an
// in-memory settings store. Per-area suites embed it; it defines no test
// methods of its own.
type engineSuiteBase struct {
	suite.Suite

	tr    *testutils.MockTransport
	store *testutils.MemStore
	eng   *engine.Engine
}

func (s *engineSuiteBase) SetupTest() {
	s.tr = testutils.NewMockTransport()
	s.store = testutils.NewMemStore()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s.eng = engine.New(s.tr, s.store, logger)
}

func (s *engineSuiteBase) TearDownTest() {
	s.NoError(s.eng.Close())
}

// uartConn builds a capability graph with a notify+indicate stream
// characteristic ("2a37") and a read/write control characteristic ("2a39")
func (s *engineSuiteBase) uartConn(deviceID string) *transport.Connection {
	return testutils.NewConnectionBuilder(deviceID).
		WithService("180d", "Data").
		WithCharacteristic("180d", "2a37", "Stream", transport.Capabilities{Notify: true, Indicate: true}).
		WithCharacteristic("180d", "2a39", "Control", transport.Capabilities{Read: true, Write: true, WriteNoResp: true}).
		Build()
}

// indicateOnlyConn builds a graph whose only stream characteristic supports
// indications but not notifications
func (s *engineSuiteBase) indicateOnlyConn(deviceID string) *transport.Connection {
	return testutils.NewConnectionBuilder(deviceID).
		WithService("180a", "Indications").
		WithCharacteristic("180a", "2a05", "Changed", transport.Capabilities{Indicate: true}).
		Build()
}

func (s *engineSuiteBase) ctx() context.Context {
	return context.Background()
}

// discover scripts advertisements for the given IDs, runs a scan and waits
// until every device has landed in the registry
func (s *engineSuiteBase) discover(deviceIDs ...string) {
	s.tr.Advertisements = nil
	for _, id := range deviceIDs {
		s.tr.Advertisements = append(s.tr.Advertisements,
			testutils.NewDeviceInfoBuilder(id).WithName("Device "+id).WithRSSI(-50).Build())
	}
	s.Require().NoError(s.eng.Scan(context.Background()))
	s.Require().Eventually(func() bool {
		for _, id := range deviceIDs {
			if _, ok := s.eng.Device(id); !ok {
				return false
			}
		}
		return true
	}, waitTimeout, waitInterval, "discovered devices never reached the registry")
}

// connect discovers deviceID, scripts its connection graph and connects
func (s *engineSuiteBase) connect(deviceID string) {
	s.tr.Connections[deviceID] = s.uartConn(deviceID)
	s.discover(deviceID)
	s.Require().NoError(s.eng.Connect(context.Background(), deviceID))
}

// waitAction blocks until the action log contains an entry of the given kind
// for deviceID
func (s *engineSuiteBase) waitAction(kind engine.ActionKind, deviceID string) {
	s.Require().Eventually(func() bool {
		for _, a := range s.eng.ActionLog() {
			if a.Kind == kind && a.DeviceID == deviceID {
				return true
			}
		}
		return false
	}, waitTimeout, waitInterval, "action %s for %s never recorded", kind, deviceID)
}
