//go:build js && wasm

package main

import (
	"syscall/js"

	sg "starguide/pkg/starguide"
)

var (
	tracker   = sg.NewTracker(nil)
	lastFrame *sg.Frame
	lastView  sg.OverlayView
)

func main() {
	js.Global().Set("selectStar", js.FuncOf(selectStar))
	js.Global().Set("trackFrame", js.FuncOf(trackFrame))
	js.Global().Set("renderOverlay", js.FuncOf(renderOverlay))
	select {} // block forever
}

// frameFromArgs decodes a FITS Uint8Array plus an optional
// {debayer, exposureMs, calibrated, calDistance} options object.
func frameFromArgs(args []js.Value) (*sg.Frame, js.Value, error) {
	jsBytes := args[0]
	fileBytes := make([]byte, jsBytes.Get("length").Int())
	js.CopyBytesToGo(fileBytes, jsBytes)

	data, err := sg.ReadFitsFromBytes(fileBytes)
	if err != nil {
		return nil, js.Undefined(), err
	}
	frame, err := sg.FrameFromFits(data)
	if err != nil {
		return nil, js.Undefined(), err
	}

	opts := js.Undefined()
	if len(args) >= 2 && args[1].Type() == js.TypeObject {
		opts = args[1]
		if v := opts.Get("debayer"); v.Type() == js.TypeBoolean && v.Bool() {
			frame = sg.DebayerFrame(frame)
		}
		if v := opts.Get("exposureMs"); v.Type() == js.TypeNumber {
			tracker.SetExposure(v.Int(), true)
		}
	}
	return frame, opts, nil
}

func selectStar(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: selectStar(fileBytes, options)")
	}
	frame, opts, err := frameFromArgs(args)
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}

	var mount sg.MountState
	if opts.Type() == js.TypeObject {
		if v := opts.Get("calibrated"); v.Type() == js.TypeBoolean {
			mount.Calibrated = v.Bool()
		}
		if v := opts.Get("calDistance"); v.Type() == js.TypeNumber {
			mount.CalibrationDistance = v.Float()
		}
	}
	if err := tracker.AutoSelect(frame, mount); err != nil {
		return errorResult(err.Error())
	}

	p, _ := tracker.Primary()
	lastFrame = frame
	lastView = tracker.OverlayView(sg.FrameStatus{Status: p.Status, Mass: p.Mass, SNR: p.SNR})
	return js.ValueOf(map[string]interface{}{
		"primary":     starResult(p),
		"secondaries": starsResult(tracker.Secondaries()),
	})
}

func trackFrame(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: trackFrame(fileBytes, options)")
	}
	frame, _, err := frameFromArgs(args)
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}

	st, err := tracker.Update(frame)
	lastFrame = frame
	lastView = tracker.OverlayView(st)
	result := map[string]interface{}{
		"status":             st.Status.String(),
		"message":            st.Message(),
		"x":                  st.Position.X,
		"y":                  st.Position.Y,
		"mass":               st.Mass,
		"snr":                st.SNR,
		"hfd":                st.HFD,
		"validSecondaries":   st.ValidSecondaries,
		"secondaries":        starsResult(tracker.Secondaries()),
		"rotationCorrection": st.RotationCorrection,
	}
	if err != nil {
		result["error"] = err.Error()
	}
	return js.ValueOf(result)
}

func renderOverlay(this js.Value, args []js.Value) interface{} {
	if lastFrame == nil {
		return js.Null()
	}

	jpegBytes, err := sg.RenderOverlayBytes(lastFrame, lastView)
	if err != nil {
		return js.Null()
	}

	uint8Array := js.Global().Get("Uint8Array").New(len(jpegBytes))
	js.CopyBytesToJS(uint8Array, jpegBytes)
	return uint8Array
}

func starResult(s sg.StarSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":     s.ID.String(),
		"status": s.Status.String(),
		"x":      s.Position.X,
		"y":      s.Position.Y,
		"mass":   s.Mass,
		"snr":    s.SNR,
		"hfd":    s.HFD,
		"valid":  s.Valid,
	}
}

func starsResult(stars []sg.StarSnapshot) []interface{} {
	out := make([]interface{}, len(stars))
	for i, s := range stars {
		out[i] = starResult(s)
	}
	return out
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}
