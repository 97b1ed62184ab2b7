// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lrhodin/webmessages/pkg/actions"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/clientsync"
	"github.com/lrhodin/webmessages/pkg/identity"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxUploadSize   = 100 << 20

	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type errorBody struct {
	Error string `json:"error"`
}

type successBody struct {
	Success bool            `json:"success"`
	Message *chatdb.Message `json:"message,omitempty"`
}

// scheduledBody is the envelope of the scheduled-message routes.
type scheduledBody struct {
	Status  int    `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) respondError(c *gin.Context, action string, err error) {
	status := actions.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("action", action).Msg("Action failed")
	} else {
		s.log.Debug().Err(err).Str("action", action).Int("status", status).Msg("Action rejected")
	}
	s.metrics.ActionResult(action, status)
	c.JSON(status, errorBody{Error: err.Error()})
}

func (s *Server) respondSuccess(c *gin.Context, action string, msg *chatdb.Message) {
	s.metrics.ActionResult(action, http.StatusOK)
	c.JSON(http.StatusOK, successBody{Success: true, Message: msg})
}

func bindJSON(c *gin.Context, into any) error {
	if err := c.ShouldBindJSON(into); err != nil {
		return fmt.Errorf("%w: malformed body: %w", actions.ErrValidation, err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Probe(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) listChats(c *gin.Context) {
	ctx := c.Request.Context()
	chats, err := s.store.ChatList(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list chats")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": s.merger.Merge(ctx, chats)})
}

// backingIDs expands a chat id to every raw chat merged with it.
func (s *Server) backingIDs(ctx context.Context, chatID int64) ([]int64, error) {
	chats, err := s.store.ChatList(ctx)
	if err != nil {
		return nil, err
	}
	for _, chat := range s.merger.Merge(ctx, chats) {
		if slices.Contains(chat.BackingIDs, chatID) {
			return chat.BackingIDs, nil
		}
	}
	return []int64{chatID}, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid chat id"})
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid offset"})
		return
	}
	ids, err := s.backingIDs(ctx, chatID)
	if err != nil {
		s.log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to resolve merged chat")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to load messages"})
		return
	}
	msgs, err := s.store.MessagesByChat(ctx, ids, min(limit, maxPageSize), offset)
	if err != nil {
		s.log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to load messages")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to load messages"})
		return
	}
	for _, msg := range msgs {
		s.decorate(ctx, msg)
	}
	if msgs == nil {
		msgs = []*chatdb.Message{}
	}
	c.JSON(http.StatusOK, clientsync.MessagePage{
		Messages:     msgs,
		Participants: s.participants(ctx, ids),
	})
}

// decorate fills in the sender name and attachments of a page row.
func (s *Server) decorate(ctx context.Context, msg *chatdb.Message) {
	if msg.SenderName == "" && msg.Sender != "" {
		msg.SenderName = s.contacts.Name(msg.Sender)
	}
	if !msg.CacheHasAttachments || len(msg.Attachments) > 0 {
		return
	}
	atts, err := s.store.AttachmentsByMessage(ctx, msg.RowID)
	if err != nil {
		s.log.Warn().Err(err).Int64("message_rowid", msg.RowID).Msg("Failed to load attachments")
		return
	}
	if s.prober != nil {
		for i := range atts {
			s.prober.Probe(&atts[i])
		}
	}
	msg.Attachments = atts
}

func (s *Server) participants(ctx context.Context, chatIDs []int64) []chatdb.Participant {
	var out []chatdb.Participant
	seen := make(map[string]struct{})
	for _, id := range chatIDs {
		list, err := s.store.Participants(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Int64("chat_id", id).Msg("Failed to load participants")
			continue
		}
		for _, p := range list {
			key := identity.Canonical(p.Identifier)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			p.DisplayName = s.contacts.DisplayName(p.Identifier)
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) eligibility(c *gin.Context) {
	data, err := s.actions.Eligibility(c.Request.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to compute message eligibility")
		data = map[string]chatdb.Eligibility{}
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// search matches message text. Queries shorter than two characters return
// no results.
func (s *Server) search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	limit, err := queryInt(c, "limit", defaultSearchLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit"})
		return
	}
	results := []*chatdb.Message{}
	if len([]rune(query)) >= 2 {
		found, err := s.store.Search(c.Request.Context(), query, min(limit, maxSearchLimit))
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to search messages")
			c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to search messages"})
			return
		}
		for _, msg := range found {
			if msg.SenderName == "" && msg.Sender != "" {
				msg.SenderName = s.contacts.Name(msg.Sender)
			}
			results = append(results, msg)
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) serveAttachment(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid attachment id"})
		return
	}
	att, err := s.store.AttachmentByID(c.Request.Context(), id)
	if errors.Is(err, chatdb.ErrNotFound) || (err == nil && att.Filename == "") {
		c.JSON(http.StatusNotFound, errorBody{Error: "attachment not found"})
		return
	} else if err != nil {
		s.log.Error().Err(err).Int64("attachment_id", id).Msg("Failed to load attachment")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to load attachment"})
		return
	}
	path := att.Filename
	if s.prober != nil {
		s.prober.Probe(att)
		path = s.prober.ResolvePath(att.Filename)
	}
	if _, err = os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "attachment file not found"})
		return
	}
	if att.MIMEType != "" {
		c.Header("Content-Type", att.MIMEType)
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.File(path)
}

func (s *Server) react(c *gin.Context) {
	var req actions.ReactRequest
	err := bindJSON(c, &req)
	if err == nil {
		err = s.actions.React(c.Request.Context(), req)
	}
	if err != nil {
		s.respondError(c, "react", err)
		return
	}
	s.respondSuccess(c, "react", nil)
}

func (s *Server) unsend(c *gin.Context) {
	var req actions.UnsendRequest
	err := bindJSON(c, &req)
	if err == nil {
		err = s.actions.Unsend(c.Request.Context(), req)
	}
	if err != nil {
		s.respondError(c, "unsend", err)
		return
	}
	s.respondSuccess(c, "unsend", nil)
}

func (s *Server) edit(c *gin.Context) {
	var req actions.EditRequest
	err := bindJSON(c, &req)
	if err == nil {
		err = s.actions.Edit(c.Request.Context(), req)
	}
	if err != nil {
		s.respondError(c, "edit", err)
		return
	}
	s.respondSuccess(c, "edit", nil)
}

func (s *Server) reply(c *gin.Context) {
	var req actions.ReplyRequest
	var msg *chatdb.Message
	err := bindJSON(c, &req)
	if err == nil {
		msg, err = s.actions.Reply(c.Request.Context(), req)
	}
	if err != nil {
		s.respondError(c, "reply", err)
		return
	}
	s.respondSuccess(c, "reply", msg)
}

func (s *Server) send(c *gin.Context) {
	var req actions.SendRequest
	var msg *chatdb.Message
	err := bindJSON(c, &req)
	if err == nil {
		msg, err = s.actions.Send(c.Request.Context(), req)
	}
	if err != nil {
		s.respondError(c, "send", err)
		return
	}
	s.respondSuccess(c, "send", msg)
}

type markReadRequest struct {
	ChatGUID string `json:"chatGuid"`
}

func (s *Server) markRead(c *gin.Context) {
	var req markReadRequest
	err := bindJSON(c, &req)
	if err == nil {
		err = s.actions.MarkRead(c.Request.Context(), req.ChatGUID)
	}
	if err != nil {
		s.respondError(c, "mark_read", err)
		return
	}
	s.respondSuccess(c, "mark_read", nil)
}

func (s *Server) uploadAttachment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	chatGUID := c.PostForm("chatGuid")
	file, err := c.FormFile("file")
	if err != nil {
		s.respondError(c, "send_file", fmt.Errorf("%w: file is required", actions.ErrValidation))
		return
	}
	if err = os.MkdirAll(s.upload, 0o700); err != nil {
		s.respondError(c, "send_file", fmt.Errorf("failed to create upload directory: %w", err))
		return
	}
	path := filepath.Join(s.upload, uuid.NewString()+"-"+filepath.Base(file.Filename))
	if err = c.SaveUploadedFile(file, path); err != nil {
		s.respondError(c, "send_file", fmt.Errorf("failed to save upload: %w", err))
		return
	}
	msg, err := s.actions.SendFile(c.Request.Context(), chatGUID, path)
	if err != nil {
		_ = os.Remove(path)
		s.respondError(c, "send_file", err)
		return
	}
	s.respondSuccess(c, "send_file", msg)
}

func (s *Server) scheduledError(c *gin.Context, action string, err error) {
	status := actions.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("action", action).Msg("Scheduled message action failed")
	}
	s.metrics.ActionResult(action, status)
	c.JSON(status, scheduledBody{Status: status, Message: err.Error()})
}

func (s *Server) listScheduled(c *gin.Context) {
	list := s.actions.ListScheduled(c.Request.Context(), c.Query("chatGuid"))
	c.JSON(http.StatusOK, scheduledBody{Status: http.StatusOK, Data: list})
}

func (s *Server) createScheduled(c *gin.Context) {
	var req actions.ScheduleRequest
	err := bindJSON(c, &req)
	if err != nil {
		s.scheduledError(c, "schedule", err)
		return
	}
	msg, err := s.actions.Schedule(c.Request.Context(), req)
	if err != nil {
		s.scheduledError(c, "schedule", err)
		return
	}
	s.metrics.ActionResult("schedule", http.StatusCreated)
	c.JSON(http.StatusCreated, scheduledBody{Status: http.StatusCreated, Data: msg})
}

func (s *Server) editScheduled(c *gin.Context) {
	var req actions.EditScheduledRequest
	err := bindJSON(c, &req)
	if err == nil {
		req.ID = c.Param("id")
		err = s.actions.EditScheduled(c.Request.Context(), req)
	}
	if err != nil {
		s.scheduledError(c, "edit_scheduled", err)
		return
	}
	s.metrics.ActionResult("edit_scheduled", http.StatusOK)
	c.JSON(http.StatusOK, scheduledBody{Status: http.StatusOK})
}

func (s *Server) cancelScheduled(c *gin.Context) {
	chatGUID := c.Query("chatGuid")
	if chatGUID == "" {
		s.scheduledError(c, "cancel_scheduled", fmt.Errorf("%w: chatGuid query param is required", actions.ErrValidation))
		return
	}
	if err := s.actions.CancelScheduled(c.Request.Context(), c.Param("id"), chatGUID); err != nil {
		s.scheduledError(c, "cancel_scheduled", err)
		return
	}
	s.metrics.ActionResult("cancel_scheduled", http.StatusOK)
	c.JSON(http.StatusOK, scheduledBody{Status: http.StatusOK})
}
