//go:build windows

package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/MrWong99/earshot/pkg/audio"
)

// WASAPI COM GUIDs.
var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")

	pkeyDeviceFriendlyName = propertyKey{
		fmtid: *ole.NewGUID("{A45C254E-DF1C-4EFD-8020-67D146A850E0}"),
		pid:   14,
	}
)

// WASAPI constants.
const (
	eRender  = 0
	eCapture = 1
	eConsole = 0

	deviceStateActive = 0x1
	stgmRead          = 0
	clsctxAll         = 0x1 | 0x2 | 0x4 | 0x10
	vtLPWSTR          = 31

	audclntShareModeShared     = 0
	audclntStreamLoopback      = 0x00020000
	audclntStreamEventCallback = 0x00040000
	audclntBufferFlagsSilent   = 0x2
	bufferDuration100ns        = 200 * 10000 // 200 ms

	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// COM vtable indices (IUnknown = 0,1,2; interface methods start at 3).
	mmdeEnumAudioEndpoints      = 3
	mmdeGetDefaultAudioEndpoint = 4
	mmdcGetCount                = 3
	mmdcItem                    = 4
	mmDeviceActivate            = 3
	mmDeviceOpenPropertyStore   = 4
	mmDeviceGetID               = 5
	propStoreGetValue           = 5
	audioClientInitialize       = 3
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientSetEventHandle   = 13
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
	capClientGetNextPacketSize  = 5
)

// sFalse is returned by CoInitializeEx when COM is already initialised on
// the thread.
const sFalse = 1

// waveFormatEx is the WAVEFORMATEX layout.
type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

type propertyKey struct {
	fmtid ole.GUID
	pid   uint32
}

type propVariant struct {
	vt       uint16
	reserved [3]uint16
	val      uintptr
	pad      uintptr
}

var procPropVariantClear = windows.NewLazySystemDLL("ole32.dll").NewProc("PropVariantClear")

// comCall invokes a COM vtable method at the given index.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func comCall(obj uintptr, vtableIdx int, args ...uintptr) error {
	ret, _, _ := syscall.SyscallN(comVtblFn(obj, vtableIdx), append([]uintptr{obj}, args...)...)
	if int32(ret) < 0 {
		return ole.NewError(ret)
	}
	return nil
}

// comVtblFn returns the function pointer at vtableIdx of obj's vtable.
func comVtblFn(obj uintptr, vtableIdx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
}

// comRelease calls IUnknown::Release (vtable index 2).
func comRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(comVtblFn(obj, 2), obj)
	}
}

// coInit initialises COM for the calling OS thread (multithreaded
// apartment). The caller must have locked the goroutine to its thread.
func coInit() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if errors.As(err, &oleErr) && oleErr.Code() == sFalse {
			return nil
		}
		return err
	}
	return nil
}

func newEnumerator() (uintptr, error) {
	unk, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(unk)), nil
}

// WASAPI captures the default render endpoint in loopback mode.
type WASAPI struct {
	firstPacket time.Duration
}

// NewWASAPI creates the WASAPI render-loopback backend.
func NewWASAPI(cfg WASAPIConfig) (*WASAPI, error) {
	if cfg.FirstPacketTimeout <= 0 {
		cfg.FirstPacketTimeout = FirstPacketTimeout
	}
	return &WASAPI{firstPacket: cfg.FirstPacketTimeout}, nil
}

// Name implements [audio.Backend].
func (w *WASAPI) Name() string { return NameWASAPI }

// Devices implements [audio.Backend]. Render endpoints are listed as loopback
// candidates next to the capture endpoints.
func (w *WASAPI) Devices(_ context.Context) ([]audio.Device, error) {
	var devs []audio.Device
	err := onCOMThread(func() error {
		var err error
		devs, err = listEndpoints()
		return err
	})
	if err != nil {
		return nil, audio.InitError(NameWASAPI, "enumerate endpoints", err)
	}
	return Rank("windows", devs), nil
}

// onCOMThread runs fn on a locked OS thread with COM initialised and waits
// for it.
func onCOMThread(fn func() error) error {
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := coInit(); err != nil {
			errc <- fmt.Errorf("CoInitializeEx: %w", err)
			return
		}
		defer ole.CoUninitialize()
		errc <- fn()
	}()
	return <-errc
}

func listEndpoints() ([]audio.Device, error) {
	enum, err := newEnumerator()
	if err != nil {
		return nil, err
	}
	defer comRelease(enum)

	var devs []audio.Device
	for _, flow := range []int{eRender, eCapture} {
		defID := ""
		var def uintptr
		if comCall(enum, mmdeGetDefaultAudioEndpoint, uintptr(flow), eConsole, uintptr(unsafe.Pointer(&def))) == nil {
			defID, _ = endpointID(def)
			comRelease(def)
		}

		var coll uintptr
		if err := comCall(enum, mmdeEnumAudioEndpoints, uintptr(flow), deviceStateActive, uintptr(unsafe.Pointer(&coll))); err != nil {
			return nil, err
		}
		var count uint32
		if err := comCall(coll, mmdcGetCount, uintptr(unsafe.Pointer(&count))); err != nil {
			comRelease(coll)
			return nil, err
		}
		for i := range count {
			var dev uintptr
			if comCall(coll, mmdcItem, uintptr(i), uintptr(unsafe.Pointer(&dev))) != nil {
				continue
			}
			id, _ := endpointID(dev)
			name := friendlyName(dev)
			comRelease(dev)
			if flow == eRender {
				name += " (loopback)"
			}
			devs = append(devs, audio.Device{ID: id, Name: name, IsDefault: id != "" && id == defID})
		}
		comRelease(coll)
	}
	return devs, nil
}

func endpointID(dev uintptr) (string, error) {
	var p *uint16
	if err := comCall(dev, mmDeviceGetID, uintptr(unsafe.Pointer(&p))); err != nil {
		return "", err
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(p)))
	return windows.UTF16PtrToString(p), nil
}

func friendlyName(dev uintptr) string {
	var store uintptr
	if comCall(dev, mmDeviceOpenPropertyStore, stgmRead, uintptr(unsafe.Pointer(&store))) != nil {
		return "unknown endpoint"
	}
	defer comRelease(store)

	var pv propVariant
	if comCall(store, propStoreGetValue, uintptr(unsafe.Pointer(&pkeyDeviceFriendlyName)), uintptr(unsafe.Pointer(&pv))) != nil {
		return "unknown endpoint"
	}
	defer procPropVariantClear.Call(uintptr(unsafe.Pointer(&pv)))
	if pv.vt != vtLPWSTR || pv.val == 0 {
		return "unknown endpoint"
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(pv.val)))
}

// Open implements [audio.Backend]. All COM objects are created, used and
// released on one dedicated OS thread owned by the returned source.
func (w *WASAPI) Open(_ context.Context, opts audio.OpenOptions) (audio.Source, error) {
	timeout := w.firstPacket
	if opts.FirstPacketTimeout > 0 {
		timeout = opts.FirstPacketTimeout
	}

	src := &wasapiSource{
		run:  make(chan captureRequest),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go src.comThread(timeout, ready)
	if err := <-ready; err != nil {
		<-src.done
		return nil, err
	}
	slog.Info("loopback: wasapi render loopback opened", "format", src.format.String())
	return src, nil
}

type captureRequest struct {
	ctx    context.Context
	sink   audio.Sink
	result chan error
}

// wasapiSource is an opened render-loopback stream.
type wasapiSource struct {
	format audio.Format

	run       chan captureRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the COM thread.
	enumerator    uintptr
	device        uintptr
	audioClient   uintptr
	captureClient uintptr
	event         windows.Handle
}

func (s *wasapiSource) SampleRate() int { return s.format.SampleRate }

func (s *wasapiSource) Capture(ctx context.Context, sink audio.Sink) error {
	req := captureRequest{ctx: ctx, sink: sink, result: make(chan error, 1)}
	select {
	case s.run <- req:
		return <-req.result
	case <-s.done:
		return audio.ReadError(NameWASAPI, "capture", errors.New("source closed"))
	}
}

func (s *wasapiSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
	return nil
}

// comThread owns every COM object of the source for its lifetime.
func (s *wasapiSource) comThread(timeout time.Duration, ready chan<- error) {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := coInit(); err != nil {
		ready <- audio.InitError(NameWASAPI, "CoInitializeEx", err)
		return
	}
	defer ole.CoUninitialize()
	defer s.release()

	if err := s.open(timeout); err != nil {
		ready <- err
		return
	}
	ready <- nil

	select {
	case req := <-s.run:
		req.result <- s.captureLoop(req.ctx, req.sink)
	case <-s.quit:
	}
}

func (s *wasapiSource) open(timeout time.Duration) error {
	enum, err := newEnumerator()
	if err != nil {
		return audio.InitError(NameWASAPI, "CoCreateInstance MMDeviceEnumerator", err)
	}
	s.enumerator = enum

	if err := comCall(enum, mmdeGetDefaultAudioEndpoint, eRender, eConsole, uintptr(unsafe.Pointer(&s.device))); err != nil {
		return audio.InitError(NameWASAPI, "GetDefaultAudioEndpoint", err)
	}
	if err := comCall(s.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)), clsctxAll, 0, uintptr(unsafe.Pointer(&s.audioClient)),
	); err != nil {
		return audio.InitError(NameWASAPI, "Activate IAudioClient", err)
	}

	var mixPtr uintptr
	if err := comCall(s.audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixPtr))); err != nil {
		return audio.InitError(NameWASAPI, "GetMixFormat", err)
	}
	mix := *(*waveFormatEx)(unsafe.Pointer(mixPtr))
	format, err := monoSourceFormat(mix)
	if err != nil {
		ole.CoTaskMemFree(mixPtr)
		return audio.InitError(NameWASAPI, "GetMixFormat", err)
	}
	s.format = format

	err = comCall(s.audioClient, audioClientInitialize,
		audclntShareModeShared,
		audclntStreamLoopback|audclntStreamEventCallback,
		bufferDuration100ns,
		0,
		mixPtr,
		0,
	)
	ole.CoTaskMemFree(mixPtr)
	if err != nil {
		return audio.InitError(NameWASAPI, "IAudioClient.Initialize", err)
	}

	ev, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return audio.InitError(NameWASAPI, "CreateEvent", err)
	}
	s.event = ev
	if err := comCall(s.audioClient, audioClientSetEventHandle, uintptr(ev)); err != nil {
		return audio.InitError(NameWASAPI, "SetEventHandle", err)
	}
	if err := comCall(s.audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)), uintptr(unsafe.Pointer(&s.captureClient)),
	); err != nil {
		return audio.InitError(NameWASAPI, "GetService IAudioCaptureClient", err)
	}
	if err := comCall(s.audioClient, audioClientStart); err != nil {
		return audio.InitError(NameWASAPI, "IAudioClient.Start", err)
	}

	evt, err := windows.WaitForSingleObject(ev, uint32(timeout/time.Millisecond))
	if err != nil {
		return audio.InitError(NameWASAPI, "wait first packet", err)
	}
	if evt != windows.WAIT_OBJECT_0 {
		return audio.InitError(NameWASAPI, "wait first packet", fmt.Errorf("no packet within %s", timeout))
	}
	return nil
}

// monoSourceFormat maps the device mix format to a [audio.Format].
func monoSourceFormat(mix waveFormatEx) (audio.Format, error) {
	f := audio.Format{SampleRate: int(mix.SamplesPerSec), Channels: int(mix.Channels)}
	switch {
	case mix.FormatTag == waveFormatIEEEFloat,
		mix.FormatTag == waveFormatExtensible && mix.BitsPerSample == 32:
		f.Sample = audio.SampleFloat32LE
	case mix.BitsPerSample == 16:
		f.Sample = audio.SampleInt16LE
	default:
		return f, fmt.Errorf("unsupported mix format tag=0x%04X bits=%d", mix.FormatTag, mix.BitsPerSample)
	}
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return f, fmt.Errorf("invalid mix format %s", f)
	}
	return f, nil
}

// captureLoop polls the capture client until ctx is cancelled.
func (s *wasapiSource) captureLoop(ctx context.Context, sink audio.Sink) error {
	conv := audio.MonoConverter{Source: s.format}
	frameBytes := s.format.Channels * s.format.Sample.BytesPerSample()
	var mono, zeros []float32

	for {
		if ctx.Err() != nil {
			if err := comCall(s.audioClient, audioClientStop); err != nil {
				slog.Warn("loopback: IAudioClient.Stop failed", "err", err)
			}
			return nil
		}

		var frames uint32
		if err := comCall(s.captureClient, capClientGetNextPacketSize, uintptr(unsafe.Pointer(&frames))); err != nil {
			return audio.ReadError(NameWASAPI, "GetNextPacketSize", err)
		}
		if frames == 0 {
			time.Sleep(PollInterval)
			continue
		}

		var (
			data  uintptr
			flags uint32
		)
		if err := comCall(s.captureClient, capClientGetBuffer,
			uintptr(unsafe.Pointer(&data)), uintptr(unsafe.Pointer(&frames)), uintptr(unsafe.Pointer(&flags)), 0, 0,
		); err != nil {
			return audio.ReadError(NameWASAPI, "GetBuffer", err)
		}

		if flags&audclntBufferFlagsSilent != 0 || data == 0 {
			// Keep timing: a silent packet still stands for frames samples.
			if cap(zeros) < int(frames) {
				zeros = make([]float32, frames)
			}
			sink.Push(zeros[:frames])
		} else {
			raw := unsafe.Slice((*byte)(unsafe.Pointer(data)), int(frames)*frameBytes)
			mono = conv.Convert(mono[:0], raw)
			sink.Push(mono)
		}

		if err := comCall(s.captureClient, capClientReleaseBuffer, uintptr(frames)); err != nil {
			return audio.ReadError(NameWASAPI, "ReleaseBuffer", err)
		}
	}
}

// release drops every COM object in reverse creation order. The audio client
// is already stopped when capture ran; stopping again is harmless.
func (s *wasapiSource) release() {
	if s.audioClient != 0 {
		_ = comCall(s.audioClient, audioClientStop)
	}
	comRelease(s.captureClient)
	comRelease(s.audioClient)
	comRelease(s.device)
	comRelease(s.enumerator)
	if s.event != 0 {
		_ = windows.CloseHandle(s.event)
	}
	s.captureClient, s.audioClient, s.device, s.enumerator, s.event = 0, 0, 0, 0, 0
}

var (
	_ audio.Backend = (*WASAPI)(nil)
	_ audio.Source  = (*wasapiSource)(nil)
)
