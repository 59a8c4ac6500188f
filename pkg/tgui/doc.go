// Package tgui holds small helpers for Telegram HTML replies: escaping,
// inline tags and rune-safe truncation.
package tgui
