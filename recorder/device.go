package recorder

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 1024

// PortAudioSource captures mono 16-bit samples from a system input device.
type PortAudioSource struct {
	deviceID    int
	stream      *portaudio.Stream
	initialized bool
}

// NewPortAudioSource captures from the device with the given ID, or the
// default input device when the ID is zero.
func NewPortAudioSource(deviceID int) *PortAudioSource {
	return &PortAudioSource{deviceID: deviceID}
}

// Start opens and starts the input stream, delivering copies of each
// sample chunk to onSamples.
func (s *PortAudioSource) Start(onSamples func(chunk []int16)) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	s.initialized = true

	params, err := s.inputParams()
	if err != nil {
		return err
	}

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		chunk := make([]int16, len(in))
		copy(chunk, in)
		onSamples(chunk)
	})
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	s.stream = stream
	return nil
}

func (s *PortAudioSource) inputParams() (portaudio.StreamParameters, error) {
	var device *portaudio.DeviceInfo

	if s.deviceID > 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get audio devices: %w", err)
		}
		if s.deviceID >= len(devices) {
			return portaudio.StreamParameters{}, fmt.Errorf("invalid device ID %d", s.deviceID)
		}
		device = devices[s.deviceID]
		if device.MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("device %q is not an input device", device.Name)
		}
	} else {
		defaultDevice, err := portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get default input device: %w", err)
		}
		device = defaultDevice
	}

	slog.Info("Using audio device",
		"deviceName", device.Name,
		"sampleRate", device.DefaultSampleRate,
		"inputChannels", device.MaxInputChannels)

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, nil
}

// Stop stops and closes the stream and terminates PortAudio. Safe to call
// on a source that never started.
func (s *PortAudioSource) Stop() error {
	var firstErr error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stream = nil
	}
	if s.initialized {
		if err := portaudio.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.initialized = false
	}
	return firstErr
}

// ListInputDevices enumerates the available audio input devices.
func ListInputDevices() ([]portaudio.DeviceInfo, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}

	return inputDevices, nil
}
