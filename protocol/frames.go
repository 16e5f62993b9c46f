package protocol

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MT6000 command frames. Fixed-field ASCII, space separated, CRLF
// terminated. No length prefix, no checksum.
const (
	CmdIdentify      = "0001 0001 0040 0001\r\n" // request system info
	CmdRemoteEnable  = "0001 0002 0042 0001\r\n"
	CmdRemoteDisable = "0001 0002 0042 0000\r\n"
	CmdStartCycle    = "0001 0018 0041 0001\r\n"
	CmdLastResult    = "0001 0033 0200\r\n" // request last tightening result

	Terminator = "\r\n"

	// ResultMarker is echoed by the controller once a tightening result
	// is available for the last-result request.
	ResultMarker = "0200"
)

// TorqueCNm converts a torque in Ncm to the wire unit (centi-Ncm,
// truncating). Decimal arithmetic avoids float artifacts like
// 23.99 * 100 -> 2398.9999.
func TorqueCNm(ncm float64) int64 {
	return decimal.NewFromFloat(ncm).Mul(decimal.NewFromInt(100)).IntPart()
}

// TorqueFromCNm converts the wire unit back to Ncm.
func TorqueFromCNm(cnm int64) float64 {
	f, _ := decimal.NewFromInt(cnm).Div(decimal.NewFromInt(100)).Float64()
	return f
}

// SetTorqueCommand builds the set-torque frame for a target in Ncm.
// The wire value is 4-digit zero-padded cNm.
func SetTorqueCommand(ncm float64) string {
	return fmt.Sprintf("0001 0014 0043 %04d\r\n", TorqueCNm(ncm))
}
