package onboard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v2"

	"github.com/CodedInternet/servobus/onboard/servo"
)

const testYaml = `
version: 1
firmware: ">= 2.0.0"
heartbeat_timeout: 500ms
limits:
  max_velocity: 90
  max_acceleration: 360
buses:
  can0:
    driver: socketcan
    devices: [1, 2, 3]
    cache:
      1: [position, temperature_actuator]
  bench:
    driver: sim
    devices: [10]
    sim:
      heartbeat_interval: 20ms
`

func TestConfigParsing(t *testing.T) {
	var err error
	var config ServobusConfig

	Convey("parsing is successful", t, func() {
		err = yaml.Unmarshal([]byte(testYaml), &config)
		So(err, ShouldBeNil)
		So(config.Validate(), ShouldBeNil)

		Convey("durations and limits are set", func() {
			So(config.HeartbeatTimeout, ShouldEqual, 500*time.Millisecond)
			So(config.Limits, ShouldResemble, servo.Limits{MaxVelocity: 90, MaxAcceleration: 360})
		})

		Convey("cache profiles are parameters", func() {
			bus := config.Buses["can0"]
			So(bus.Devices, ShouldResemble, []int{1, 2, 3})
			So(bus.Cache[1], ShouldResemble, ParamList{servo.PARAM_POSITION, servo.PARAM_TEMPERATURE_ACTUATOR})
			So(bus.InterfaceName("can0"), ShouldEqual, "can0")
		})

		Convey("simulation profiles are optional", func() {
			So(config.Buses["can0"].Sim, ShouldBeNil)
			So(config.Buses["bench"].Sim.HeartbeatInterval, ShouldEqual, 20*time.Millisecond)
		})

		Convey("parameter lists write back as names", func() {
			out, err := yaml.Marshal(config.Buses["can0"].Cache)
			So(err, ShouldBeNil)
			So(string(out), ShouldContainSubstring, "temperature_actuator")
		})
	})

	Convey("unknown parameters fail to parse", t, func() {
		var c ServobusConfig
		err := yaml.Unmarshal([]byte("version: 1\nbuses:\n  can0:\n    driver: sim\n    devices: [1]\n    cache:\n      1: [warp]\n"), &c)
		So(err, ShouldNotBeNil)
	})
}

func TestConfigValidation(t *testing.T) {
	valid := func() *ServobusConfig {
		return &ServobusConfig{
			Version: 1,
			Buses: map[string]BusConfig{
				"can0": {Driver: DRIVER_SIM, Devices: []int{1, 2}},
			},
		}
	}

	Convey("A minimal config gets default limits", t, func() {
		c := valid()
		So(c.Validate(), ShouldBeNil)
		So(c.Limits, ShouldResemble, servo.DefaultLimits)
	})

	Convey("Invalid configs are refused", t, func() {
		c := valid()
		c.Version = 2
		So(c.Validate(), ShouldNotBeNil)

		c = valid()
		c.Firmware = "not a version"
		So(c.Validate(), ShouldNotBeNil)

		c = valid()
		c.Buses["can0"] = BusConfig{Driver: "serial", Devices: []int{1}}
		So(c.Validate(), ShouldNotBeNil)

		c = valid()
		c.Buses["can0"] = BusConfig{Driver: DRIVER_SIM, Devices: []int{1, 1}}
		So(c.Validate(), ShouldNotBeNil)

		c = valid()
		c.Buses["can0"] = BusConfig{Driver: DRIVER_SIM, Devices: []int{128}}
		So(c.Validate(), ShouldNotBeNil)

		c = valid()
		c.Buses["can0"] = BusConfig{Driver: DRIVER_SIM, Devices: []int{1}, Cache: map[int]ParamList{2: {servo.PARAM_TORQUE}}}
		So(c.Validate(), ShouldNotBeNil)

		c = valid()
		c.Limits = servo.Limits{MaxVelocity: -1, MaxAcceleration: 1}
		So(c.Validate(), ShouldNotBeNil)
	})

	Convey("LoadConfig reads and validates a file", t, func() {
		dir, err := os.MkdirTemp("", "config")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "servobus.yaml")
		So(os.WriteFile(path, []byte(testYaml), 0o644), ShouldBeNil)
		c, err := LoadConfig(path)
		So(err, ShouldBeNil)
		So(len(c.Buses), ShouldEqual, 2)

		_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
		So(err, ShouldNotBeNil)
	})
}
