package canduit

import "context"

// DigitalInput reads one pin's logic level.
type DigitalInput struct {
	base
	value bool
	seq   uint64
}

// Get returns the last decoded level.
func (in *DigitalInput) Get() (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.live("get"); err != nil {
		return false, err
	}
	return in.value, nil
}

// Update refreshes the level from the status broadcast or, under
// ProtocolRequest, with a remote request.
func (in *DigitalInput) Update(ctx context.Context) error {
	if err := in.checkLive("update"); err != nil {
		return err
	}
	v, ts, seq, ok := readDigital(ctx, in.dev, in.pin)
	if !ok {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.live("update"); err != nil {
		return err
	}
	if seq != 0 && seq == in.seq {
		return nil
	}
	in.value, in.ts, in.seq = v, ts, seq
	return nil
}

// Close resets the pin to inactive and frees it.
func (in *DigitalInput) Close(ctx context.Context) error {
	return in.release(ctx, in)
}

// DigitalOutput drives one pin. Get reports the last commanded level until
// a read-back from the peripheral replaces it.
type DigitalOutput struct {
	base
	value bool
	setAt uint64
}

// Set writes the level. There is no acknowledgement.
func (out *DigitalOutput) Set(ctx context.Context, v bool) error {
	if err := out.checkLive("set"); err != nil {
		return err
	}
	payload := []byte{0x00}
	if v {
		payload[0] = 0x01
	}
	if err := out.dev.Write(ctx, out.pin, ClassDigital, payload); err != nil {
		return pinErr("set", out.pin, err)
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if err := out.live("set"); err != nil {
		return err
	}
	out.value = v
	out.ts = out.dev.timestamp()
	out.setAt = out.ts
	return nil
}

// Get returns the last known level.
func (out *DigitalOutput) Get() (bool, error) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if err := out.live("get"); err != nil {
		return false, err
	}
	return out.value, nil
}

// Toggle writes the inverse of the current level. Under ProtocolRequest the
// level is read back first; otherwise the last known level is used.
func (out *DigitalOutput) Toggle(ctx context.Context) error {
	if out.dev.protocol == ProtocolRequest {
		if err := out.Update(ctx); err != nil {
			return err
		}
	}
	cur, err := out.Get()
	if err != nil {
		return err
	}
	return out.Set(ctx, !cur)
}

// Update applies a read-back of the output level when one is available.
// Frames received at or before the last Set describe the previous level and
// are ignored.
func (out *DigitalOutput) Update(ctx context.Context) error {
	if err := out.checkLive("update"); err != nil {
		return err
	}
	v, ts, _, ok := readDigital(ctx, out.dev, out.pin)
	if !ok {
		return nil
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if err := out.live("update"); err != nil {
		return err
	}
	if ts <= out.setAt {
		return nil
	}
	out.value, out.ts = v, ts
	return nil
}

// Close resets the pin to inactive and frees it.
func (out *DigitalOutput) Close(ctx context.Context) error {
	return out.release(ctx, out)
}

// readDigital decodes pin's level for the device protocol. seq is the status
// broadcast sequence, zero for request reads.
func readDigital(ctx context.Context, d *Device, pin int) (v bool, ts, seq uint64, ok bool) {
	if d.protocol == ProtocolRequest {
		f, ok := d.request(ctx, APIID(ClassDigital, uint8(pin)), 1, 0)
		if !ok {
			return false, 0, 0, false
		}
		return f.Data[0]&1 == 1, f.Timestamp, 0, true
	}
	f, seq, ok := d.digitalStatus()
	if !ok {
		return false, 0, 0, false
	}
	return (f.Data[0]>>uint(pin))&1 == 1, f.Timestamp, seq, true
}

var (
	_ Channel = (*DigitalInput)(nil)
	_ Channel = (*DigitalOutput)(nil)
)
