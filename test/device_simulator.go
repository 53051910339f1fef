// Command device_simulator plays one or more MQTT devices on the
// <base>/<id>/... topic layout: it publishes data and status, answers
// commands on the responses topic and serves data requests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// TemperatureData is published by "temperature" devices
type TemperatureData struct {
	Temperature float64 `json:"temperature"`
	Unit        string  `json:"unit"`
	Battery     int     `json:"battery"`
	Timestamp   string  `json:"timestamp"`
}

// HumidityData is published by "humidity" devices
type HumidityData struct {
	Humidity  float64 `json:"humidity"`
	Pressure  float64 `json:"pressure"`
	Timestamp string  `json:"timestamp"`
}

// command is what the ingestion service publishes on <id>/commands
type command struct {
	ID         string                 `json:"id"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters"`
}

// SimDevice is one simulated device
type SimDevice struct {
	ID       string
	Kind     string
	Interval time.Duration

	client   paho.Client
	base     string
	setpoint float64
}

func (d *SimDevice) topic(suffix string) string {
	return d.base + d.ID + "/" + suffix
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	base := flag.String("base", "devices/", "base topic")
	mode := flag.String("mode", "continuous", "run mode: single, csv, continuous")
	flag.Parse()

	if !strings.HasSuffix(*base, "/") {
		*base += "/"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("device-simulator-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	switch *mode {
	case "single":
		dev := &SimDevice{ID: "temp-sensor-001", Kind: "temperature", client: client, base: *base, setpoint: 21}
		dev.publishData()
		client.Disconnect(250)
	case "csv":
		dev := &SimDevice{ID: "csv-logger-001", Kind: "csv", client: client, base: *base}
		dev.publishData()
		client.Disconnect(250)
	case "continuous":
		runContinuous(client, *base)
	default:
		fmt.Println("unknown mode, use single, csv or continuous")
		os.Exit(1)
	}
}

func runContinuous(client paho.Client, base string) {
	devices := []*SimDevice{
		{ID: "temp-sensor-001", Kind: "temperature", Interval: 5 * time.Second, setpoint: 21},
		{ID: "temp-sensor-002", Kind: "temperature", Interval: 8 * time.Second, setpoint: 21},
		{ID: "hum-sensor-001", Kind: "humidity", Interval: 6 * time.Second},
		{ID: "csv-logger-001", Kind: "csv", Interval: 10 * time.Second},
	}

	for _, dev := range devices {
		dev.client = client
		dev.base = base
		dev.online()
		go func(d *SimDevice) {
			for {
				d.publishData()
				time.Sleep(d.Interval)
			}
		}(dev)
		fmt.Printf("device %s reports every %v\n", dev.ID, dev.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	for _, dev := range devices {
		dev.client.Publish(dev.topic("status"), 1, true, []byte(`{"status":"offline"}`)).Wait()
	}
	client.Disconnect(250)
}

// online publishes the retained online status and subscribes to commands and
// data requests.
func (d *SimDevice) online() {
	token := d.client.Publish(d.topic("status"), 1, true, []byte(`{"status":"online"}`))
	token.Wait()

	d.client.Subscribe(d.topic("commands"), 1, func(_ paho.Client, msg paho.Message) {
		d.handleCommand(msg.Payload())
	}).Wait()
	d.client.Subscribe(d.topic("data/request"), 1, func(_ paho.Client, _ paho.Message) {
		d.publishData()
	}).Wait()
}

func (d *SimDevice) handleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.ID == "" {
		fmt.Printf("[%s] malformed command: %s\n", d.ID, string(payload))
		return
	}
	fmt.Printf("[%s] command %s (%s)\n", d.ID, cmd.Command, cmd.ID)

	reply := map[string]interface{}{"commandId": cmd.ID}
	switch cmd.Command {
	case "ping":
		reply["status"] = "executed"
		reply["data"] = map[string]interface{}{"pong": true}
	case "setSetpoint":
		v, ok := cmd.Parameters["value"].(float64)
		if !ok {
			reply["status"] = "failed"
			reply["error"] = "value must be a number"
			break
		}
		d.setpoint = v
		reply["status"] = "executed"
		reply["data"] = map[string]interface{}{"setpoint": v}
	case "read":
		d.publishData()
		reply["status"] = "executed"
	case "hang":
		// never answered so the caller's timeout fires
		return
	default:
		reply["status"] = "failed"
		reply["error"] = "unknown command " + cmd.Command
	}

	b, _ := json.Marshal(reply)
	d.publish("responses", b)
}

func (d *SimDevice) publishData() {
	var body []byte
	var err error
	now := time.Now().UTC().Format(time.RFC3339)

	switch d.Kind {
	case "temperature":
		temp := d.setpoint + (rand.Float64()*4 - 2)
		body, err = json.Marshal(TemperatureData{
			Temperature: float64(int(temp*10)) / 10,
			Unit:        "C",
			Battery:     60 + rand.Intn(40),
			Timestamp:   now,
		})
	case "humidity":
		body, err = json.Marshal(HumidityData{
			Humidity:  float64(int((40.0+rand.Float64()*40)*10)) / 10,
			Pressure:  float64(int((1000.0+rand.Float64()*30)*10)) / 10,
			Timestamp: now,
		})
	case "csv":
		var sb strings.Builder
		sb.WriteString("timestamp,voltage,current,enabled\n")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&sb, "%s,%.2f,%.3f,%t\n", now, 220+rand.Float64()*10, rand.Float64()*5, rand.Intn(2) == 1)
		}
		body = []byte(sb.String())
	}
	if err != nil {
		fmt.Printf("JSON encoding failed: %v\n", err)
		return
	}
	d.publish("data", body)
}

func (d *SimDevice) publish(suffix string, body []byte) {
	token := d.client.Publish(d.topic(suffix), 0, false, body)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("failed to publish to %s: %v\n", d.topic(suffix), token.Error())
		return
	}
	fmt.Printf("[%s] %s: %s\n", time.Now().Format("15:04:05"), d.topic(suffix), strings.TrimSpace(string(body)))
}
