// Package bdd drives the public HTTP and WebSocket API from godog feature files.
//
// Variables are scoped to the scenario. Users named in a scenario get a unique
// username so scenarios can share one database.
package bdd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/chat-service/internal/plugin/route/respond"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/itchyny/gojq"
)

// Suite holds state shared by every scenario.
type Suite struct {
	APIURL string
	Store  registrystore.ChatStore
}

// Scenario holds state for a single scenario. Not accessed concurrently.
type Scenario struct {
	suite     *Suite
	client    *http.Client
	variables map[string]string
	tokens    map[string]string

	status int
	body   []byte
}

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// InitializeScenario registers step definitions on a fresh Scenario.
func (s *Suite) InitializeScenario(ctx *godog.ScenarioContext) {
	sc := &Scenario{
		suite:     s,
		client:    &http.Client{Timeout: 10 * time.Second},
		variables: map[string]string{},
		tokens:    map[string]string{},
	}

	ctx.Step(`^a user "([^"]*)" with password "([^"]*)"$`, sc.aUserWithPassword)
	ctx.Step(`^"([^"]*)" logs in with password "([^"]*)"$`, sc.logsInWithPassword)
	ctx.Step(`^"([^"]*)" sends a (GET|POST) request to "([^"]*)"$`, sc.sendsRequest)
	ctx.Step(`^"([^"]*)" sends a (GET|POST) request to "([^"]*)" with body:$`, sc.sendsRequestWithBody)
	ctx.Step(`^"([^"]*)" says "([^"]*)" in conversation "([^"]*)"$`, sc.saysInConversation)
	ctx.Step(`^the response status should be (\d+)$`, sc.theResponseStatusShouldBe)
	ctx.Step(`^the response "([^"]*)" should be "([^"]*)"$`, sc.theResponseFieldShouldBe)
	ctx.Step(`^the response "([^"]*)" should have (\d+) items?$`, sc.theResponseFieldShouldHaveItems)
	ctx.Step(`^I remember the response "([^"]*)" as "([^"]*)"$`, sc.iRememberTheResponseAs)
}

// Expand replaces ${name} references with scenario variables.
func (sc *Scenario) Expand(value string) (string, error) {
	var missing []string
	result := variablePattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := variablePattern.FindStringSubmatch(ref)[1]
		v, ok := sc.variables[name]
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

func (sc *Scenario) aUserWithPassword(name, password string) error {
	hash, err := security.HashPassword(password)
	if err != nil {
		return err
	}
	username := name + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	user, err := sc.suite.Store.CreateUser(context.Background(), registrystore.NewUser{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
	})
	if err != nil {
		return err
	}
	sc.variables[name+".id"] = user.ID
	sc.variables[name+".username"] = user.Username
	return nil
}

func (sc *Scenario) logsInWithPassword(name, password string) error {
	username, ok := sc.variables[name+".username"]
	if !ok {
		return fmt.Errorf("unknown user %q", name)
	}
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	if err := sc.do(http.MethodPost, "/v1/auth/login", "", body); err != nil {
		return err
	}
	if sc.status != http.StatusOK {
		return nil
	}
	token, err := sc.query(".data.token")
	if err != nil {
		return err
	}
	sc.tokens[name] = fmt.Sprint(token)
	return nil
}

func (sc *Scenario) sendsRequest(name, method, path string) error {
	return sc.sendsRequestWithBody(name, method, path, nil)
}

func (sc *Scenario) sendsRequestWithBody(name, method, path string, doc *godog.DocString) error {
	path, err := sc.Expand(path)
	if err != nil {
		return err
	}
	var body []byte
	if doc != nil {
		expanded, err := sc.Expand(doc.Content)
		if err != nil {
			return err
		}
		body = []byte(expanded)
	}
	return sc.do(method, path, sc.tokens[name], body)
}

func (sc *Scenario) do(method, path, token string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, sc.suite.APIURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	sc.status = resp.StatusCode
	sc.body, err = io.ReadAll(resp.Body)
	return err
}

// saysInConversation posts over the chat socket and waits for the broadcast echo,
// which is sent only after the message is stored.
func (sc *Scenario) saysInConversation(name, content, conversation string) error {
	conversation, err := sc.Expand(conversation)
	if err != nil {
		return err
	}
	wsURL := "ws" + strings.TrimPrefix(sc.suite.APIURL, "http") + "/ws/chat/" + conversation +
		"?token=" + url.QueryEscape(sc.tokens[name])
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"message": content}); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	var frame struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("waiting for broadcast: %w", err)
	}
	if frame.Message.Content != content {
		return fmt.Errorf("broadcast content: expected %q, got %q", content, frame.Message.Content)
	}
	return nil
}

func (sc *Scenario) theResponseStatusShouldBe(expected int) error {
	if sc.status != expected {
		return fmt.Errorf("expected status %d, got %d: %s", expected, sc.status, sc.body)
	}
	return nil
}

func (sc *Scenario) theResponseFieldShouldBe(selector, expected string) error {
	expected, err := sc.Expand(expected)
	if err != nil {
		return err
	}
	v, err := sc.query(selector)
	if err != nil {
		return err
	}
	if actual := format(v); actual != expected {
		return fmt.Errorf("%s: expected %q, got %q in %s", selector, expected, actual, sc.body)
	}
	return nil
}

func (sc *Scenario) theResponseFieldShouldHaveItems(selector string, expected int) error {
	v, err := sc.query(selector)
	if err != nil {
		return err
	}
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("%s is not an array: %s", selector, sc.body)
	}
	if len(items) != expected {
		return fmt.Errorf("%s: expected %d items, got %d", selector, expected, len(items))
	}
	return nil
}

func (sc *Scenario) iRememberTheResponseAs(selector, name string) error {
	v, err := sc.query(selector)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%s is null in %s", selector, sc.body)
	}
	sc.variables[name] = format(v)
	return nil
}

// query evaluates a jq selector against the last response body.
func (sc *Scenario) query(selector string) (any, error) {
	var env respond.Envelope
	var doc any
	if err := json.Unmarshal(sc.body, &env); err != nil {
		return nil, fmt.Errorf("response is not an envelope: %w: %s", err, sc.body)
	}
	if err := json.Unmarshal(sc.body, &doc); err != nil {
		return nil, err
	}
	q, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	v, ok := q.Run(doc).Next()
	if !ok {
		return nil, fmt.Errorf("%s produced no value", selector)
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

func format(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
