package esl

import (
	"context"
	"fmt"
	"strings"
)

// okBody checks an api response body for the +OK success marker.
func okBody(command, body string) error {
	if strings.Contains(body, "+OK") {
		return nil
	}
	return fmt.Errorf("esl: %s: switch replied %q", command, strings.TrimSpace(body))
}

// Broadcast plays an audio file into the caller leg of a channel.
func (c *Client) Broadcast(ctx context.Context, uuid, path string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_broadcast %s %s aleg", uuid, path))
	if err != nil {
		return err
	}
	return okBody("uuid_broadcast", body)
}

// Break stops all media currently playing on a channel.
func (c *Client) Break(ctx context.Context, uuid string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_break %s all", uuid))
	if err != nil {
		return err
	}
	return okBody("uuid_break", body)
}

// SetVar sets a channel variable.
func (c *Client) SetVar(ctx context.Context, uuid, name, value string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
	if err != nil {
		return err
	}
	return okBody("uuid_setvar", body)
}

// GetVar reads a channel variable. The switch replies with the bare value,
// or "_undef_" for an unset variable.
func (c *Client) GetVar(ctx context.Context, uuid, name string) (string, error) {
	body, err := c.API(ctx, fmt.Sprintf("uuid_getvar %s %s", uuid, name))
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(body)
	if value == "_undef_" {
		return "", nil
	}
	return value, nil
}

// Transfer bridges the channel to the given number.
func (c *Client) Transfer(ctx context.Context, uuid, number string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_transfer %s %s", uuid, number))
	if err != nil {
		return err
	}
	return okBody("uuid_transfer", body)
}

// Kill hangs the channel up.
func (c *Client) Kill(ctx context.Context, uuid string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_kill %s", uuid))
	if err != nil {
		return err
	}
	return okBody("uuid_kill", body)
}

// RecordStart begins recording the channel to path.
func (c *Client) RecordStart(ctx context.Context, uuid, path string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_record %s start %s", uuid, path))
	if err != nil {
		return err
	}
	return okBody("uuid_record", body)
}

// RecordStop ends a recording started with [Client.RecordStart].
func (c *Client) RecordStop(ctx context.Context, uuid, path string) error {
	body, err := c.API(ctx, fmt.Sprintf("uuid_record %s stop %s", uuid, path))
	if err != nil {
		return err
	}
	return okBody("uuid_record", body)
}
