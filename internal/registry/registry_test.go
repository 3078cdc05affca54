package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bleterm/internal/registry"
)

type RegistryTestSuite struct {
	suite.Suite

	reg *registry.Registry
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.reg = registry.New()
}

func (suite *RegistryTestSuite) device(id, name string, rssi int) registry.Device {
	return registry.Device{
		ID:               id,
		Name:             name,
		Address:          id,
		RSSI:             rssi,
		LastSeen:         time.Now(),
		ConnectionStatus: registry.StatusDisconnected,
	}
}

func (suite *RegistryTestSuite) TestUpsertReplacesSnapshot() {
	suite.reg.Upsert(suite.device("aa", "Sensor", -50))
	suite.reg.Upsert(suite.device("aa", "Sensor", -42))

	suite.Equal(1, suite.reg.Len())
	dev, ok := suite.reg.Get("aa")
	suite.True(ok)
	suite.Equal(-42, dev.RSSI)
}

func (suite *RegistryTestSuite) TestUpdateUnknownDevice() {
	ok := suite.reg.Update("missing", func(d *registry.Device) {
		d.Connected = true
	})
	suite.False(ok)
}

func (suite *RegistryTestSuite) TestUpdateMutatesInPlace() {
	suite.reg.Upsert(suite.device("aa", "Sensor", -50))

	ok := suite.reg.Update("aa", func(d *registry.Device) {
		d.Connected = true
		d.ConnectionStatus = registry.StatusConnected
	})

	suite.True(ok)
	dev, _ := suite.reg.Get("aa")
	suite.True(dev.Connected)
	suite.Equal(registry.StatusConnected, dev.ConnectionStatus)
}

func (suite *RegistryTestSuite) TestClear() {
	suite.reg.Upsert(suite.device("aa", "One", -50))
	suite.reg.Upsert(suite.device("bb", "Two", -60))

	suite.reg.Clear()

	suite.Equal(0, suite.reg.Len())
	_, ok := suite.reg.Get("aa")
	suite.False(ok)
}

func (suite *RegistryTestSuite) TestAllPreservesInsertionOrder() {
	suite.reg.Upsert(suite.device("cc", "Third", -30))
	suite.reg.Upsert(suite.device("aa", "First", -90))
	suite.reg.Upsert(suite.device("bb", "Second", -60))

	// Re-upserting must not move a device to the back
	suite.reg.Upsert(suite.device("cc", "Third", -31))

	ids := make([]string, 0, 3)
	for _, dev := range suite.reg.All() {
		ids = append(ids, dev.ID)
	}
	suite.Equal([]string{"cc", "aa", "bb"}, ids)
}

func (suite *RegistryTestSuite) TestSortedFiltered() {
	far := suite.device("aa", "Far", -90)
	near := suite.device("bb", "Near", -40)
	linked := suite.device("cc", "Linked", -85)
	linked.Connected = true
	linked.ConnectionStatus = registry.StatusConnected

	suite.reg.Upsert(far)
	suite.reg.Upsert(near)
	suite.reg.Upsert(linked)

	suite.Run("connected first then rssi descending", func() {
		devices := suite.reg.SortedFiltered("")
		ids := []string{devices[0].ID, devices[1].ID, devices[2].ID}
		suite.Equal([]string{"cc", "bb", "aa"}, ids)
	})

	suite.Run("ties broken by insertion order", func() {
		suite.reg.Upsert(suite.device("dd", "AlsoNear", -40))
		devices := suite.reg.SortedFiltered("")
		ids := []string{devices[0].ID, devices[1].ID, devices[2].ID, devices[3].ID}
		suite.Equal([]string{"cc", "bb", "dd", "aa"}, ids)
	})

	suite.Run("query matches name case-insensitively", func() {
		devices := suite.reg.SortedFiltered("near")
		suite.Len(devices, 2)
	})

	suite.Run("query matches address", func() {
		devices := suite.reg.SortedFiltered("AA")
		suite.Len(devices, 1)
		suite.Equal("aa", devices[0].ID)
	})

	suite.Run("no match returns empty", func() {
		suite.Empty(suite.reg.SortedFiltered("zz"))
	})
}
