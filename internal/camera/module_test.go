package camera

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"spectrabench/internal/bus"
)

type sink struct {
	mu       sync.Mutex
	messages []bus.Message
}

func (s *sink) handle(msg bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *sink) waitFor(t *testing.T, msgType string) bus.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, msg := range s.messages {
			if msg.Type == msgType {
				s.mu.Unlock()
				return msg
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msgType)
	return bus.Message{}
}

func TestModuleCuvettePresentSendsPictureForAnalysis(t *testing.T) {
	b := bus.New()
	analysis := &sink{}
	b.Register(AnalysisModuleName, analysis.handle)

	driver := &fakeDriver{frame: &fakeFrame{data: []byte("jpeg")}}
	m := NewModule(b, New(driver, &fakeIlluminator{}, WithTiming(fastTiming())))
	m.Start(context.Background())
	defer m.Wait()

	b.Publish("CuvetteSensor", ModuleName, MsgCuvettePresent, nil)

	msg := analysis.waitFor(t, MsgAnalyze)
	want := base64.StdEncoding.EncodeToString([]byte("jpeg"))
	if got := msg.String("image"); got != want {
		t.Errorf("image = %q, want %q", got, want)
	}
}

func TestModuleTakeBroadcastsPicture(t *testing.T) {
	b := bus.New()
	observer := &sink{}
	b.Register("Observer", observer.handle)

	driver := &fakeDriver{frame: &fakeFrame{data: []byte("jpeg")}}
	m := NewModule(b, New(driver, &fakeIlluminator{}, WithTiming(fastTiming())))
	m.Start(context.Background())
	defer m.Wait()

	b.Publish("GUI", ModuleName, MsgTake, nil)

	if msg := observer.waitFor(t, EventPictureTaken); msg.String("image") == "" {
		t.Error("broadcast picture has no image payload")
	}
}

func TestModuleLightAcknowledgmentReachesController(t *testing.T) {
	b := bus.New()

	c := New(&fakeDriver{}, &fakeIlluminator{}, WithTiming(Timing{
		LightOnTimeout: 5 * time.Second,
	}))
	m := NewModule(b, c)
	m.Start(context.Background())

	b.Publish(LightModuleName, ModuleName, msgTurnedOn, nil)

	select {
	case <-c.lightReady:
	default:
		t.Fatal("TurnedOn acknowledgment did not reach the controller")
	}

	b.Publish(LightModuleName, ModuleName, msgTurnedOn, nil)
	b.Publish(LightModuleName, ModuleName, msgTurnedOff, nil)

	select {
	case <-c.lightReady:
		t.Fatal("TurnedOff did not clear the readiness signal")
	default:
	}
}

func TestModuleCalibratePublishesResult(t *testing.T) {
	b := bus.New()
	observer := &sink{}
	b.Register("Observer", observer.handle)

	c := New(&fakeDriver{}, &fakeIlluminator{},
		WithTiming(Timing{}),
		WithCalibrationGrid(smallGrid()),
		WithScorer(&scriptedScorer{scores: []float64{1, 2, 3, 4}}))
	m := NewModule(b, c)
	m.Start(context.Background())
	defer m.Wait()

	b.Publish("GUI", ModuleName, MsgCalibrate, nil)

	observer.waitFor(t, EventCalibrationStarted)
	msg := observer.waitFor(t, EventCameraCalibrated)
	if got := msg.String("status"); got != "success" {
		t.Fatalf("status = %q, want success", got)
	}
}

func TestBusIlluminatorCommands(t *testing.T) {
	b := bus.New()
	light := &sink{}
	b.Register(LightModuleName, light.handle)

	illum := BusIlluminator{Bus: b}
	illum.TurnOn()
	illum.SetColor(RGB{R: 10, G: 20, B: 30})
	illum.Dim(200)
	illum.TurnOff()

	light.mu.Lock()
	defer light.mu.Unlock()
	if len(light.messages) != 4 {
		t.Fatalf("light received %d messages, want 4", len(light.messages))
	}
	if light.messages[1].Payload["r"] != 10 {
		t.Errorf("SetColor r = %v, want 10", light.messages[1].Payload["r"])
	}
	if light.messages[2].Payload["brightness"] != 200 {
		t.Errorf("Dim brightness = %v, want 200", light.messages[2].Payload["brightness"])
	}
}
