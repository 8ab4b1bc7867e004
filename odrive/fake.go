package odrive

// FakeTransport is an in-memory Transport for tests. Reads are served from
// Registers and recorded in Reads; writes are recorded in order in Writes
// and echoed back into Registers. Errors can be injected per address.
type FakeTransport struct {
	InitErr   error
	ReadErrs  map[uint16]error
	WriteErrs map[uint16]error

	Registers map[uint16]float32

	Reads       []uint16
	Writes      []FakeWrite
	Initialized bool
	Closed      bool
}

// FakeWrite records one register write.
type FakeWrite struct {
	Addr     uint16
	FloatVal float32
	IntVal   int32
	IsFloat  bool
}

// NewFakeTransport returns an empty fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		ReadErrs:  map[uint16]error{},
		WriteErrs: map[uint16]error{},
		Registers: map[uint16]float32{},
	}
}

// Init implements Transport.
func (f *FakeTransport) Init() error {
	if f.InitErr != nil {
		return f.InitErr
	}
	f.Initialized = true
	return nil
}

// ReadFloat implements Transport.
func (f *FakeTransport) ReadFloat(addr uint16) (float32, error) {
	if err := f.ReadErrs[addr]; err != nil {
		return 0, err
	}
	f.Reads = append(f.Reads, addr)
	return f.Registers[addr], nil
}

// WriteFloat implements Transport.
func (f *FakeTransport) WriteFloat(addr uint16, val float32) error {
	if err := f.WriteErrs[addr]; err != nil {
		return err
	}
	f.Writes = append(f.Writes, FakeWrite{Addr: addr, FloatVal: val, IsFloat: true})
	f.Registers[addr] = val
	return nil
}

// WriteInt implements Transport.
func (f *FakeTransport) WriteInt(addr uint16, val int32) error {
	if err := f.WriteErrs[addr]; err != nil {
		return err
	}
	f.Writes = append(f.Writes, FakeWrite{Addr: addr, IntVal: val})
	f.Registers[addr] = float32(val)
	return nil
}

// Close implements Transport.
func (f *FakeTransport) Close() error {
	f.Closed = true
	return nil
}
