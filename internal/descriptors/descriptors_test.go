package descriptors

import "testing"

func buildInterfaceDescriptor(class, subclass, protocol uint8) []byte {
	return []byte{9, typeInterface, 0, 0, 1, class, subclass, protocol, 0}
}

func TestFirstInterfaceClassFindsInterface(t *testing.T) {
	config := append([]byte{9, 0x02, 0, 0, 1, 1, 0, 0, 0}, buildInterfaceDescriptor(0x03, 0x01, 0x02)...)
	class, subclass, protocol, err := FirstInterfaceClass(config)
	if err != nil {
		t.Fatalf("FirstInterfaceClass: %v", err)
	}
	if class != 0x03 || subclass != 0x01 || protocol != 0x02 {
		t.Errorf("got class=%#x subclass=%#x protocol=%#x", class, subclass, protocol)
	}
}

func TestFirstInterfaceClassSkipsLeadingDescriptors(t *testing.T) {
	endpoint := []byte{7, 0x05, 0x81, 0x02, 0x00, 0x02, 0x00}
	config := append([]byte{9, 0x02, 0, 0, 1, 0, 0, 0, 0}, endpoint...)
	config = append(config, buildInterfaceDescriptor(0xFF, 0x00, 0x00)...)
	class, _, _, err := FirstInterfaceClass(config)
	if err != nil {
		t.Fatalf("FirstInterfaceClass: %v", err)
	}
	if class != 0xFF {
		t.Errorf("expected vendor-specific class 0xFF, got %#x", class)
	}
}

func TestFirstInterfaceClassRejectsMissingInterface(t *testing.T) {
	config := []byte{9, 0x02, 0, 0, 1, 0, 0, 0, 0}
	if _, _, _, err := FirstInterfaceClass(config); err == nil {
		t.Fatal("expected an error when no interface descriptor is present")
	}
}

func TestFirstInterfaceClassRejectsMalformedLength(t *testing.T) {
	config := []byte{0, 0x02}
	if _, _, _, err := FirstInterfaceClass(config); err == nil {
		t.Fatal("expected an error for a zero-length descriptor")
	}
}
