package servo

import (
	"strings"

	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// Param identifies a telemetry channel of the servo.
type Param uint8

const (
	PARAM_NULL Param = iota
	PARAM_POSITION
	PARAM_VELOCITY
	PARAM_POSITION_ROTOR
	PARAM_VELOCITY_ROTOR
	PARAM_POSITION_GEAR_360
	PARAM_POSITION_GEAR_EMULATED
	PARAM_CURRENT_INPUT
	PARAM_CURRENT_OUTPUT
	PARAM_VOLTAGE_INPUT
	PARAM_VOLTAGE_OUTPUT
	PARAM_CURRENT_PHASE
	PARAM_TEMPERATURE_ACTUATOR
	PARAM_TEMPERATURE_ELECTRONICS
	PARAM_TORQUE
	PARAM_ACCELERATION
	PARAM_ACCELERATION_ROTOR
	PARAM_CURRENT_PHASE_1
	PARAM_CURRENT_PHASE_2
	PARAM_CURRENT_PHASE_3
	PARAM_CURRENT_RAW
	PARAM_CURRENT_RAW_2
	PARAM_CURRENT_RAW_3
	PARAM_ENCODER_MASTER_TRACK
	PARAM_ENCODER_NONIUS_TRACK
	PARAM_ENCODER_MOTOR_MASTER_TRACK
	PARAM_ENCODER_MOTOR_NONIUS_TRACK
	PARAM_TORQUE_ELECTRIC_CALC
	PARAM_CONTROLLER_VELOCITY_ERROR
	PARAM_CONTROLLER_VELOCITY_SETPOINT
	PARAM_CONTROLLER_VELOCITY_FEEDBACK
	PARAM_CONTROLLER_VELOCITY_OUTPUT
	PARAM_CONTROLLER_POSITION_ERROR
	PARAM_CONTROLLER_POSITION_SETPOINT
	PARAM_CONTROLLER_POSITION_FEEDBACK
	PARAM_CONTROLLER_POSITION_OUTPUT
	PARAM_CONTROL_MODE
	PARAM_FOC_ANGLE
	PARAM_FOC_IA
	PARAM_FOC_IB
	PARAM_FOC_IQ_SET
	PARAM_FOC_ID_SET
	PARAM_FOC_IQ
	PARAM_FOC_ID
	PARAM_FOC_IQ_ERROR
	PARAM_FOC_ID_ERROR
	PARAM_FOC_UQ
	PARAM_FOC_UD
	PARAM_FOC_UA
	PARAM_FOC_UB
	PARAM_FOC_U1
	PARAM_FOC_U2
	PARAM_FOC_U3
	PARAM_FOC_PWM1
	PARAM_FOC_PWM2
	PARAM_FOC_PWM3
	PARAM_FOC_TIMER_TOP
	PARAM_DUTY

	PARAM_COUNT // number of channels including PARAM_NULL
)

var paramNames = [PARAM_COUNT]string{
	"null",
	"position",
	"velocity",
	"position_rotor",
	"velocity_rotor",
	"position_gear_360",
	"position_gear_emulated",
	"current_input",
	"current_output",
	"voltage_input",
	"voltage_output",
	"current_phase",
	"temperature_actuator",
	"temperature_electronics",
	"torque",
	"acceleration",
	"acceleration_rotor",
	"current_phase_1",
	"current_phase_2",
	"current_phase_3",
	"current_raw",
	"current_raw_2",
	"current_raw_3",
	"encoder_master_track",
	"encoder_nonius_track",
	"encoder_motor_master_track",
	"encoder_motor_nonius_track",
	"torque_electric_calc",
	"controller_velocity_error",
	"controller_velocity_setpoint",
	"controller_velocity_feedback",
	"controller_velocity_output",
	"controller_position_error",
	"controller_position_setpoint",
	"controller_position_feedback",
	"controller_position_output",
	"control_mode",
	"foc_angle",
	"foc_ia",
	"foc_ib",
	"foc_iq_set",
	"foc_id_set",
	"foc_iq",
	"foc_id",
	"foc_iq_error",
	"foc_id_error",
	"foc_uq",
	"foc_ud",
	"foc_ua",
	"foc_ub",
	"foc_u1",
	"foc_u2",
	"foc_u3",
	"foc_pwm1",
	"foc_pwm2",
	"foc_pwm3",
	"foc_timer_top",
	"duty",
}

func (p Param) String() string {
	if p >= PARAM_COUNT {
		return "unknown"
	}
	return paramNames[p]
}

// Valid reports whether p is a real channel.
func (p Param) Valid() bool {
	return p > PARAM_NULL && p < PARAM_COUNT
}

// ParseParam looks a channel up by name, case insensitive.
func ParseParam(name string) (Param, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := PARAM_POSITION; i < PARAM_COUNT; i++ {
		if paramNames[i] == name {
			return i, nil
		}
	}
	return PARAM_NULL, serr.ParamError{Name: name}
}

// Params lists every channel in id order.
func Params() []Param {
	out := make([]Param, 0, PARAM_COUNT-1)
	for p := PARAM_POSITION; p < PARAM_COUNT; p++ {
		out = append(out, p)
	}
	return out
}
