package logic

import (
	"errors"
	"fmt"
)

// Mode is the process-wide engine mode. Exactly one is active.
type Mode int

const (
	ModeDetection Mode = iota
	ModeSelectingManual
	ModeManualDry
	ModeManualWet
	ModeSelectingAuto
	ModeAutoDry
	ModeAutoWet
)

var modeNames = [...]string{
	ModeDetection:       "DETECTION",
	ModeSelectingManual: "SELECTING_MANUAL",
	ModeManualDry:       "MANUAL_DRY",
	ModeManualWet:       "MANUAL_WET",
	ModeSelectingAuto:   "SELECTING_AUTO",
	ModeAutoDry:         "AUTO_DRY",
	ModeAutoWet:         "AUTO_WET",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("MODE(%d)", int(m))
	}
	return modeNames[m]
}

// Calibrating reports whether m suspends round-robin detection.
func (m Mode) Calibrating() bool {
	return m != ModeDetection
}

// Manual reports whether m belongs to the operator-paced procedure.
func (m Mode) Manual() bool {
	return m == ModeSelectingManual || m == ModeManualDry || m == ModeManualWet
}

// CommandKind identifies an operator command.
type CommandKind string

const (
	CmdBeginManual   CommandKind = "begin_manual"
	CmdBeginAuto     CommandKind = "begin_auto"
	CmdSelect        CommandKind = "select"
	CmdConfirm       CommandKind = "confirm"
	CmdCancel        CommandKind = "cancel"
	CmdAutoCalibrate CommandKind = "auto"
	CmdAdjust        CommandKind = "adjust"
)

// Dispatcher errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrOutOfContext   = errors.New("command not accepted in current mode")
)

type transition struct {
	from Mode
	cmd  CommandKind
}

// transitions lists every command-driven mode change. Confirm leaves the
// mode unchanged: the phase ends when its samples are in (see PhaseDone).
var transitions = map[transition]Mode{
	{ModeDetection, CmdBeginManual}:   ModeSelectingManual,
	{ModeDetection, CmdBeginAuto}:     ModeSelectingAuto,
	{ModeDetection, CmdAutoCalibrate}: ModeAutoDry,
	{ModeDetection, CmdAdjust}:        ModeDetection,

	{ModeSelectingManual, CmdSelect}: ModeManualDry,
	{ModeSelectingManual, CmdCancel}: ModeDetection,
	{ModeManualDry, CmdConfirm}:      ModeManualDry,
	{ModeManualDry, CmdCancel}:       ModeDetection,
	{ModeManualWet, CmdConfirm}:      ModeManualWet,
	{ModeManualWet, CmdCancel}:       ModeDetection,

	{ModeSelectingAuto, CmdSelect}: ModeAutoDry,
	{ModeSelectingAuto, CmdCancel}: ModeDetection,
	{ModeAutoDry, CmdCancel}:       ModeDetection,
	{ModeAutoWet, CmdCancel}:       ModeDetection,
}

var knownCommands = map[CommandKind]bool{
	CmdBeginManual:   true,
	CmdBeginAuto:     true,
	CmdSelect:        true,
	CmdConfirm:       true,
	CmdCancel:        true,
	CmdAutoCalibrate: true,
	CmdAdjust:        true,
}

// NextMode validates cmd against the current mode and returns the mode it
// leads to. On error the caller must leave all state untouched.
func NextMode(m Mode, cmd CommandKind) (Mode, error) {
	if !knownCommands[cmd] {
		return m, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	next, ok := transitions[transition{m, cmd}]
	if !ok {
		return m, fmt.Errorf("%w: %s in %s", ErrOutOfContext, cmd, m)
	}
	return next, nil
}

// PhaseDone returns the mode that follows a completed learning phase.
func PhaseDone(m Mode) (Mode, bool) {
	switch m {
	case ModeManualDry:
		return ModeManualWet, true
	case ModeManualWet:
		return ModeDetection, true
	case ModeAutoDry:
		return ModeAutoWet, true
	case ModeAutoWet:
		return ModeDetection, true
	}
	return m, false
}
