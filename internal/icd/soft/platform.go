package soft

import (
	"strings"

	"github.com/fxnlabs/clintercept/internal/cl"
)

type platform struct {
	refCounted
	spec    PlatformSpec
	devices []cl.Device
}

type device struct {
	refCounted
	spec     DeviceSpec
	platform cl.Platform
}

type context struct {
	refCounted
	platform   cl.Platform
	devices    []cl.Device
	properties cl.Properties
}

// GetPlatformIDs lists the platforms.
func (b *Backend) GetPlatformIDs(platforms []cl.Platform, numPlatforms *uint32) cl.Status {
	if platforms == nil && numPlatforms == nil {
		return cl.InvalidValue
	}
	copy(platforms, b.platforms)
	if numPlatforms != nil {
		*numPlatforms = uint32(len(b.platforms))
	}
	return cl.Success
}

// GetPlatformInfo answers platform queries.
func (b *Backend) GetPlatformInfo(ph cl.Platform, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	p, ok := lookup[*platform](b, cl.Handle(ph))
	b.mu.Unlock()
	if !ok {
		return cl.InvalidPlatform
	}
	var src []byte
	switch param {
	case cl.PlatformProfile:
		src = cl.StringBytes("FULL_PROFILE")
	case cl.PlatformVersion:
		src = cl.StringBytes(p.spec.Version)
	case cl.PlatformName:
		src = cl.StringBytes(p.spec.Name)
	case cl.PlatformVendor:
		src = cl.StringBytes(p.spec.Vendor)
	case cl.PlatformExtensions:
		src = cl.StringBytes(strings.Join(p.spec.Extensions, " "))
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// GetDeviceIDs lists the devices of a platform matching deviceType.
func (b *Backend) GetDeviceIDs(ph cl.Platform, deviceType cl.DeviceType, devices []cl.Device, numDevices *uint32) cl.Status {
	if devices == nil && numDevices == nil {
		return cl.InvalidValue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := lookup[*platform](b, cl.Handle(ph))
	if !ok {
		return cl.InvalidPlatform
	}
	var matched []cl.Device
	for _, dh := range p.devices {
		d, _ := lookup[*device](b, cl.Handle(dh))
		switch {
		case deviceType == cl.DeviceTypeAll:
			matched = append(matched, dh)
		case deviceType == cl.DeviceTypeDefault && len(matched) == 0:
			matched = append(matched, dh)
		case d != nil && d.spec.Type&deviceType != 0:
			matched = append(matched, dh)
		}
	}
	if len(matched) == 0 {
		return cl.DeviceNotFound
	}
	copy(devices, matched)
	if numDevices != nil {
		*numDevices = uint32(len(matched))
	}
	return cl.Success
}

// GetDeviceInfo answers device queries.
func (b *Backend) GetDeviceInfo(dh cl.Device, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	d, ok := lookup[*device](b, cl.Handle(dh))
	var extensions []string
	if ok {
		if p, ok := lookup[*platform](b, cl.Handle(d.platform)); ok {
			extensions = p.spec.Extensions
		}
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidDevice
	}
	var src []byte
	switch param {
	case cl.DeviceTypeInfo:
		src = cl.Uint64Bytes(uint64(d.spec.Type))
	case cl.DeviceMaxComputeUnits:
		src = cl.Uint32Bytes(d.spec.ComputeUnits)
	case cl.DeviceGlobalMemSize:
		src = cl.Uint64Bytes(d.spec.GlobalMemSize)
	case cl.DeviceName:
		src = cl.StringBytes(d.spec.Name)
	case cl.DeviceVendor:
		src = cl.StringBytes("clintercept")
	case cl.DeviceExtensions:
		src = cl.StringBytes(strings.Join(extensions, " "))
	case cl.DevicePlatform:
		src = cl.HandleBytes(d.platform)
	case cl.DeviceReferenceCount:
		// Root devices always report one.
		src = cl.Uint32Bytes(1)
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// RetainDevice is a no-op for root devices.
func (b *Backend) RetainDevice(dh cl.Device) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := lookup[*device](b, cl.Handle(dh)); !ok {
		return cl.InvalidDevice
	}
	return cl.Success
}

// ReleaseDevice is a no-op for root devices.
func (b *Backend) ReleaseDevice(dh cl.Device) cl.Status {
	return b.RetainDevice(dh)
}

// CreateContext creates a context over devices of a single platform.
func (b *Backend) CreateContext(properties cl.Properties, devices []cl.Device, errcodeRet *cl.Status) cl.Context {
	if len(devices) == 0 {
		setErr(errcodeRet, cl.InvalidValue)
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var pf cl.Platform
	if v, ok := properties.Lookup(cl.ContextPlatformProperty); ok {
		pf = cl.Platform(v)
		if _, ok := lookup[*platform](b, cl.Handle(pf)); !ok {
			setErr(errcodeRet, cl.InvalidPlatform)
			return 0
		}
	}
	for _, dh := range devices {
		d, ok := lookup[*device](b, cl.Handle(dh))
		if !ok {
			setErr(errcodeRet, cl.InvalidDevice)
			return 0
		}
		if pf == 0 {
			pf = d.platform
		}
		if d.platform != pf {
			setErr(errcodeRet, cl.InvalidDevice)
			return 0
		}
	}
	c := &context{
		refCounted: refCounted{kind: cl.KindContext, refs: 1},
		platform:   pf,
		devices:    append([]cl.Device(nil), devices...),
		properties: append(cl.Properties(nil), properties...),
	}
	setErr(errcodeRet, cl.Success)
	return cl.Context(b.insertLocked(c))
}

// RetainContext increments the context reference count.
func (b *Backend) RetainContext(ch cl.Context) cl.Status {
	return b.retainKind(cl.Handle(ch), cl.KindContext, cl.InvalidContext)
}

// ReleaseContext decrements the context reference count.
func (b *Backend) ReleaseContext(ch cl.Context) cl.Status {
	return b.releaseKind(cl.Handle(ch), cl.KindContext, cl.InvalidContext)
}

// GetContextInfo answers context queries.
func (b *Backend) GetContextInfo(ch cl.Context, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	c, ok := lookup[*context](b, cl.Handle(ch))
	var refs uint32
	if ok {
		refs = c.refs
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidContext
	}
	var src []byte
	switch param {
	case cl.ContextReferenceCount:
		src = cl.Uint32Bytes(refs)
	case cl.ContextDevices:
		src = cl.HandleBytes(c.devices...)
	case cl.ContextNumDevices:
		src = cl.Uint32Bytes(uint32(len(c.devices)))
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

func (b *Backend) retainKind(h cl.Handle, kind cl.ObjectKind, invalid cl.Status) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[h]
	if !ok || o.counted().kind != kind {
		return invalid
	}
	b.retainLocked(h)
	return cl.Success
}

func (b *Backend) releaseKind(h cl.Handle, kind cl.ObjectKind, invalid cl.Status) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[h]
	if !ok || o.counted().kind != kind {
		return invalid
	}
	b.releaseLocked(h)
	return cl.Success
}

func (b *Backend) refInfo(h cl.Handle, kind cl.ObjectKind, invalid cl.Status, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	o, ok := b.objects[h]
	var refs uint32
	if ok {
		refs = o.counted().refs
	}
	b.mu.Unlock()
	if !ok || o.counted().kind != kind {
		return invalid
	}
	return cl.WriteInfo(cl.Uint32Bytes(refs), value, sizeRet)
}
